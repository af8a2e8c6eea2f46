package models

// Subscriber is a (user, destination) pair interested in the completion of a
// job. Multiple human users may request captions for the same
// (video, AI-user); all receive the single artifact produced.
type Subscriber struct {
	BaseModel

	VideoID  string `gorm:"size:64;index:idx_subscribers_key;uniqueIndex:idx_subscribers_user,priority:1" json:"video_id"`
	AIUserID string `gorm:"size:64;index:idx_subscribers_key;uniqueIndex:idx_subscribers_user,priority:2" json:"ai_user_id"`
	UserID   string `gorm:"size:64;uniqueIndex:idx_subscribers_user,priority:3" json:"user_id"`

	YdxServer  string `gorm:"size:255" json:"ydx_server"`
	YdxAppHost string `gorm:"size:255" json:"ydx_app_host"`
}

// TableName returns the table name for Subscriber.
func (Subscriber) TableName() string {
	return "subscribers"
}

// Key returns the composite job key this subscriber is attached to.
func (s *Subscriber) Key() JobKey {
	return JobKey{VideoID: s.VideoID, AIUserID: s.AIUserID}
}
