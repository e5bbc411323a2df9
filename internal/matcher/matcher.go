// ABOUTME: Pure ranking of candidate agents for a task
// ABOUTME: Filters by availability, capacity and skills, then scores by success, load and latency

package matcher

import (
	"cmp"
	"fmt"
	"slices"

	"github.com/2389/coven-dispatch/internal/perf"
	"github.com/2389/coven-dispatch/internal/store"
)

// Weights are the coefficients of the score formula
//
//	score = Success*success_rate + Load*(1 - load/max) - Latency*normalized_latency
type Weights struct {
	Success float64 `yaml:"success" toml:"success" json:"success"`
	Load    float64 `yaml:"load" toml:"load" json:"load"`
	Latency float64 `yaml:"latency" toml:"latency" json:"latency"`
}

// DefaultWeights favour proven agents, then idle ones, then fast ones.
var DefaultWeights = Weights{Success: 0.5, Load: 0.3, Latency: 0.2}

// Scored is one eligible agent with its score breakdown.
type Scored struct {
	Agent             *store.Agent
	Score             float64
	SuccessRate       float64
	LoadRatio         float64
	NormalizedLatency float64
	Reasons           []string
}

// Candidate converts the score into its audit form.
func (s Scored) Candidate() store.CandidateScore {
	return store.CandidateScore{
		AgentID: s.Agent.ID,
		Score:   s.Score,
		Reasons: s.Reasons,
	}
}

// Eligible reports whether an agent may take the task right now.
func Eligible(agent *store.Agent, required []string) bool {
	if agent.Status != store.AgentAvailable || agent.CurrentLoad >= agent.MaxConcurrent {
		return false
	}
	return HasSkills(agent.Capabilities, required)
}

// HasSkills reports whether caps contains every required skill, case-insensitively.
func HasSkills(caps, required []string) bool {
	have := store.NormalizeSkills(caps)
	for _, skill := range store.NormalizeSkills(required) {
		if _, found := slices.BinarySearch(have, skill); !found {
			return false
		}
	}
	return true
}

// Rank returns eligible candidates best first. Ties go to the less loaded
// agent on critical tasks, then to the lexicographically smallest id.
func Rank(task *store.Task, candidates []*store.Agent, index perf.Index, w Weights) []Scored {
	required := store.NormalizeSkills(task.RequiredSkills)

	type survivor struct {
		agent *store.Agent
		stats perf.Stats
	}
	var survivors []survivor
	maxLatency := 0.0
	for _, agent := range candidates {
		if !Eligible(agent, required) {
			continue
		}
		stats := index.Aggregate(agent.ID, required)
		maxLatency = max(maxLatency, stats.AvgLatencyMS())
		survivors = append(survivors, survivor{agent: agent, stats: stats})
	}

	ranked := make([]Scored, 0, len(survivors))
	for _, sv := range survivors {
		rate := sv.stats.SuccessRate()
		loadRatio := float64(sv.agent.CurrentLoad) / float64(sv.agent.MaxConcurrent)
		normLatency := 0.0
		if maxLatency > 0 {
			normLatency = sv.stats.AvgLatencyMS() / maxLatency
		}

		score := w.Success*rate + w.Load*(1-loadRatio) - w.Latency*normLatency
		ranked = append(ranked, Scored{
			Agent:             sv.agent,
			Score:             score,
			SuccessRate:       rate,
			LoadRatio:         loadRatio,
			NormalizedLatency: normLatency,
			Reasons:           reasons(sv.agent, sv.stats, required, rate, normLatency),
		})
	}

	critical := task.Urgency == store.UrgencyCritical
	slices.SortStableFunc(ranked, func(a, b Scored) int {
		if c := cmp.Compare(b.Score, a.Score); c != 0 {
			return c
		}
		if critical {
			if c := cmp.Compare(a.Agent.CurrentLoad, b.Agent.CurrentLoad); c != 0 {
				return c
			}
		}
		return cmp.Compare(a.Agent.ID, b.Agent.ID)
	})
	return ranked
}

// FindBest returns the top-ranked candidate, or false when none is eligible.
func FindBest(task *store.Task, candidates []*store.Agent, index perf.Index, w Weights) (Scored, bool) {
	ranked := Rank(task, candidates, index, w)
	if len(ranked) == 0 {
		return Scored{}, false
	}
	return ranked[0], true
}

func reasons(agent *store.Agent, stats perf.Stats, required []string, rate, normLatency float64) []string {
	out := make([]string, 0, 3)
	if len(required) == 0 {
		out = append(out, "no skill requirements")
	} else {
		out = append(out, fmt.Sprintf("skills matched: %d/%d", len(required), len(required)))
	}
	if stats.HasSamples() {
		out = append(out, fmt.Sprintf("success rate %.0f%% over %d tasks, latency %.2f of slowest",
			rate*100, stats.Successes+stats.Failures, normLatency))
	} else {
		out = append(out, "no performance history (neutral score)")
	}
	out = append(out, fmt.Sprintf("load %d/%d", agent.CurrentLoad, agent.MaxConcurrent))
	return out
}
