// Package textsummarization condenses each scene's captions into a short
// description. Captions inside a scene are clustered by BLEU similarity;
// each of the largest clusters contributes its most central caption.
package textsummarization

import (
	"context"
	"sort"
	"strings"

	"github.com/adscribe/adscribe/internal/pipeline/core"
	"github.com/adscribe/adscribe/internal/pipeline/shared"
	"github.com/adscribe/adscribe/internal/pipeline/stages/captionrating"
	"github.com/adscribe/adscribe/internal/pipeline/stages/importvideo"
	"github.com/adscribe/adscribe/internal/pipeline/stages/scenesegmentation"
	"github.com/adscribe/adscribe/internal/textmetric"
)

const (
	// groupSimilarity is the pairwise BLEU score that links two captions
	// into the same cluster.
	groupSimilarity = 0.4

	// maxGroups caps how many clusters contribute to a scene's summary.
	maxGroups = 3

	// fallbackQuartiles splits the video when no scene carries captions.
	fallbackQuartiles = 4
)

// Summary is the condensed description of one scene.
type Summary struct {
	SceneNumber int     `json:"scene_number"`
	StartS      float64 `json:"start_s"`
	EndS        float64 `json:"end_s"`
	Text        string  `json:"text"`
}

// Output is the text_summarization stage output.
type Output struct {
	Summarized []Summary `json:"summarized"`
}

// Stage implements text_summarization.
type Stage struct {
	shared.BaseStage
}

// New creates the text_summarization stage.
func New() *Stage {
	return &Stage{
		BaseStage: shared.NewBaseStage(core.StageTextSummarization, "Text Summarization",
			core.StageSceneSegmentation, core.StageCaptionRating, core.StageImportVideo),
	}
}

// Execute summarizes each scene from its captions. When no scene carries a
// caption, the video is split into quartiles and each quartile takes its
// highest-rated caption, so even a degenerate segmentation yields output.
func (s *Stage) Execute(ctx context.Context, state *core.State) ([]byte, error) {
	scenes, err := core.DecodeOutput[scenesegmentation.Output](ctx, state, core.StageSceneSegmentation)
	if err != nil {
		return nil, err
	}
	ratings, err := core.DecodeOutput[captionrating.Output](ctx, state, core.StageCaptionRating)
	if err != nil {
		return nil, err
	}

	summaries := summarizeScenes(scenes.Scenes, ratings.Kept)
	if len(summaries) == 0 {
		imported, err := core.DecodeOutput[importvideo.Output](ctx, state, core.StageImportVideo)
		if err != nil {
			return nil, err
		}
		start, end := 0.0, imported.Duration
		if state.Job.StartTime != nil {
			start = *state.Job.StartTime
		}
		if state.Job.EndTime != nil {
			end = *state.Job.EndTime
		}
		summaries = quartileFallback(start, end, ratings.Kept)
		state.Logger.Info("no scene captions, using quartile fallback",
			"summaries", len(summaries))
	}

	state.Logger.Info("scenes summarized", "scenes", len(scenes.Scenes), "summaries", len(summaries))
	return core.EncodeOutput(Output{Summarized: summaries})
}

// summarizeScenes builds one summary per scene that has captions.
func summarizeScenes(scenes []scenesegmentation.Scene, kept []captionrating.Rated) []Summary {
	var summaries []Summary
	for i, scene := range scenes {
		last := i == len(scenes)-1
		var captions []captionrating.Rated
		for _, c := range kept {
			if c.TsS >= scene.StartS && (c.TsS < scene.EndS || (last && c.TsS <= scene.EndS)) {
				captions = append(captions, c)
			}
		}
		if len(captions) == 0 {
			continue
		}

		summaries = append(summaries, Summary{
			SceneNumber: i + 1,
			StartS:      scene.StartS,
			EndS:        scene.EndS,
			Text:        summarize(captions),
		})
	}
	return summaries
}

// summarize clusters captions by BLEU similarity and joins the
// representatives of the largest clusters in timestamp order.
func summarize(captions []captionrating.Rated) string {
	groups := orderGroups(clusterCaptions(captions))
	if len(groups) > maxGroups {
		groups = groups[:maxGroups]
	}

	reps := make([]captionrating.Rated, 0, len(groups))
	for _, group := range groups {
		reps = append(reps, representative(group))
	}
	sort.Slice(reps, func(i, j int) bool { return reps[i].TsS < reps[j].TsS })

	texts := make([]string, len(reps))
	for i, r := range reps {
		texts[i] = r.Caption
	}
	return strings.Join(texts, " ")
}

// orderGroups sorts groups by size, breaking size ties by intra-group BLEU
// cohesion so a tighter cluster beats a looser one of the same size. Remaining
// ties go to the earlier caption.
func orderGroups(groups [][]captionrating.Rated) [][]captionrating.Rated {
	cohesion := make([]float64, len(groups))
	for i, group := range groups {
		cohesion[i] = groupCohesion(group)
	}

	order := make([]int, len(groups))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		i, j := order[a], order[b]
		if len(groups[i]) != len(groups[j]) {
			return len(groups[i]) > len(groups[j])
		}
		if cohesion[i] != cohesion[j] {
			return cohesion[i] > cohesion[j]
		}
		return groups[i][0].TsS < groups[j][0].TsS
	})

	out := make([][]captionrating.Rated, len(groups))
	for i, idx := range order {
		out[i] = groups[idx]
	}
	return out
}

// groupCohesion is the sum of pairwise BLEU scores inside a group.
func groupCohesion(group []captionrating.Rated) float64 {
	tokens := make([][]string, len(group))
	for i, c := range group {
		tokens[i] = textmetric.Tokenize(c.Caption)
	}
	var sum float64
	for i := 0; i < len(group); i++ {
		for j := i + 1; j < len(group); j++ {
			sum += pairBLEU(tokens[i], tokens[j])
		}
	}
	return sum
}

// clusterCaptions links captions whose pairwise BLEU reaches the threshold,
// taking the transitive closure of that relation.
func clusterCaptions(captions []captionrating.Rated) [][]captionrating.Rated {
	parent := make([]int, len(captions))
	for i := range parent {
		parent[i] = i
	}
	var find func(int) int
	find = func(x int) int {
		if parent[x] != x {
			parent[x] = find(parent[x])
		}
		return parent[x]
	}

	tokens := make([][]string, len(captions))
	for i, c := range captions {
		tokens[i] = textmetric.Tokenize(c.Caption)
	}
	for i := 0; i < len(captions); i++ {
		for j := i + 1; j < len(captions); j++ {
			if pairBLEU(tokens[i], tokens[j]) >= groupSimilarity {
				parent[find(i)] = find(j)
			}
		}
	}

	byRoot := make(map[int][]captionrating.Rated)
	for i, c := range captions {
		root := find(i)
		byRoot[root] = append(byRoot[root], c)
	}

	groups := make([][]captionrating.Rated, 0, len(byRoot))
	for _, group := range byRoot {
		groups = append(groups, group)
	}
	// Map iteration order is random; anchor on each group's first timestamp.
	sort.Slice(groups, func(i, j int) bool { return groups[i][0].TsS < groups[j][0].TsS })
	return groups
}

// pairBLEU is the symmetric BLEU similarity of two token sequences.
func pairBLEU(a, b []string) float64 {
	ab := textmetric.SentenceBLEU(a, b)
	ba := textmetric.SentenceBLEU(b, a)
	return (ab + ba) / 2
}

// representative picks the caption most similar to the rest of its group.
func representative(group []captionrating.Rated) captionrating.Rated {
	if len(group) == 1 {
		return group[0]
	}

	tokens := make([][]string, len(group))
	for i, c := range group {
		tokens[i] = textmetric.Tokenize(c.Caption)
	}

	best, bestScore := 0, -1.0
	for i := range group {
		var score float64
		for j := range group {
			if i != j {
				score += pairBLEU(tokens[i], tokens[j])
			}
		}
		if score > bestScore {
			best, bestScore = i, score
		}
	}
	return group[best]
}

// quartileFallback splits [start, end] into quarters and gives each the
// highest-rated caption falling inside it.
func quartileFallback(start, end float64, kept []captionrating.Rated) []Summary {
	if end <= start || len(kept) == 0 {
		return nil
	}

	var summaries []Summary
	span := (end - start) / fallbackQuartiles
	for q := 0; q < fallbackQuartiles; q++ {
		qStart := start + float64(q)*span
		qEnd := qStart + span

		var best *captionrating.Rated
		for i, c := range kept {
			inQuartile := c.TsS >= qStart && (c.TsS < qEnd || (q == fallbackQuartiles-1 && c.TsS <= qEnd))
			if inQuartile && (best == nil || c.Rating > best.Rating) {
				best = &kept[i]
			}
		}
		if best == nil {
			continue
		}
		summaries = append(summaries, Summary{
			SceneNumber: q + 1,
			StartS:      qStart,
			EndS:        qEnd,
			Text:        best.Caption,
		})
	}
	return summaries
}
