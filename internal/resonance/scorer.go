// Package resonance computes the fitness scores that drive promotion.
//
// For a cluster with members m_1..m_n replayed in (created_at, id) order:
//
//	q_i        member quality in [0, 1]
//	rho_i(i)   = clamp((q_i+eps) / (mean(q_1..q_i)+eps))
//	phi(t)     = phi(t-1) * rho_t(t), phi(0) = 1
//	rho_j(t+1) = clamp(rho_j(t) + alpha*(phi(t)-phi(t-1)))   for j <= t
//	theta_c(t) = theta_c(t-1) + hbar * sum_{j != c, n_j >= t} phi_j(t)*mean(rho_j(t))
//	omega      = slope of S over a window of K points: the K-1 most recent
//	             promotions of the bucket followed by the current S
//	S          = clamp01(w_acc*acc + w_prec*prec + w_stab*stab - w_cost*cost)
//
// Theta couples every cluster of one (kind, level), so ScoreBatch always
// scores all of them together. Scores are a pure function of the clusters,
// the promotion history and the clock.
package resonance

import (
	"math"
	"sort"
	"time"

	"github.com/fyrsmithlabs/braidd/internal/clustering"
	"github.com/fyrsmithlabs/braidd/internal/strand"
)

// History supplies the S values of earlier promotions from a cluster,
// oldest first.
type History interface {
	PriorScores(key clustering.Key) []float64
}

// HistoryFunc adapts a function to History.
type HistoryFunc func(key clustering.Key) []float64

// PriorScores implements History.
func (f HistoryFunc) PriorScores(key clustering.Key) []float64 {
	if f == nil {
		return nil
	}
	return f(key)
}

// ClusterScore is the scoring result for one cluster.
type ClusterScore struct {
	Key        clustering.Key
	Scores     strand.Scores
	Components Components

	// Members holds per-member scores keyed by strand id.
	Members map[string]strand.Scores

	order     []string
	phiSeries []float64
	rhoSeries []float64
}

// Batch is the result of scoring every cluster of one (kind, level).
type Batch struct {
	Clusters []*ClusterScore
	index    map[clustering.Key]*ClusterScore
}

// Get returns the score of one cluster.
func (b *Batch) Get(key clustering.Key) (*ClusterScore, bool) {
	cs, ok := b.index[key]
	return cs, ok
}

// Cards folds per-member scores into one score card per strand id, keyed
// by dimension.
func (b *Batch) Cards() map[string]strand.ScoreCard {
	out := make(map[string]strand.ScoreCard)
	for _, cs := range b.Clusters {
		for id, sc := range cs.Members {
			card, ok := out[id]
			if !ok {
				card = make(strand.ScoreCard)
				out[id] = card
			}
			card[cs.Key.Dimension] = sc
		}
	}
	return out
}

// Scorer computes resonance scores.
type Scorer struct {
	cfg Config
	now func() time.Time
}

// ScorerOption configures a Scorer.
type ScorerOption func(*Scorer)

// WithClock overrides the clock used for staleness.
func WithClock(now func() time.Time) ScorerOption {
	return func(s *Scorer) {
		s.now = now
	}
}

// NewScorer validates cfg and returns a scorer.
func NewScorer(cfg Config, opts ...ScorerOption) (*Scorer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s := &Scorer{cfg: cfg, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Config returns the scorer configuration.
func (s *Scorer) Config() Config {
	return s.cfg
}

// ScoreBatch scores clusters that all share one kind and level. All five
// scores are computed together for every cluster.
func (s *Scorer) ScoreBatch(clusters []*clustering.Cluster, outcome clustering.Outcome, history History) *Batch {
	sorted := append([]*clustering.Cluster(nil), clusters...)
	sort.Slice(sorted, func(i, j int) bool {
		a, b := sorted[i].Key, sorted[j].Key
		if a.Dimension != b.Dimension {
			return a.Dimension < b.Dimension
		}
		return a.Bucket < b.Bucket
	})

	now := s.now()
	batch := &Batch{
		Clusters: make([]*ClusterScore, 0, len(sorted)),
		index:    make(map[clustering.Key]*ClusterScore, len(sorted)),
	}
	qualityDegraded := make([]map[string]bool, len(sorted))
	for i, c := range sorted {
		cs, degraded := s.replay(c, outcome)
		cs.Components, cs.Scores.S, cs.Scores.Degraded = s.selection(c, outcome, now)
		batch.Clusters = append(batch.Clusters, cs)
		batch.index[c.Key] = cs
		qualityDegraded[i] = degraded
	}

	s.applyTheta(batch.Clusters)

	for i, cs := range batch.Clusters {
		var prior []float64
		if history != nil {
			prior = history.PriorScores(cs.Key)
		}
		cs.Scores.Omega = s.omega(prior, cs.Scores.S)
		for id, sc := range cs.Members {
			sc.Omega = cs.Scores.Omega
			sc.S = cs.Scores.S
			sc.Degraded = cs.Scores.Degraded || qualityDegraded[i][id]
			cs.Members[id] = sc
		}
	}
	return batch
}

// replay walks the evidence history of one cluster, producing phi and rho.
func (s *Scorer) replay(c *clustering.Cluster, outcome clustering.Outcome) (*ClusterScore, map[string]bool) {
	n := len(c.Members)
	cs := &ClusterScore{
		Key:       c.Key,
		Members:   make(map[string]strand.Scores, n),
		order:     c.MemberIDs(),
		phiSeries: make([]float64, n),
		rhoSeries: make([]float64, n),
	}
	degraded := make(map[string]bool)
	rho := make([]float64, n)
	memberPhi := make([]float64, n)
	phi := 1.0
	var qSum float64
	for t, m := range c.Members {
		q, ok := quality(m, outcome)
		if !ok {
			degraded[m.ID] = true
		}
		qSum += q
		qMean := qSum / float64(t+1)
		rho[t] = clamp((q+s.cfg.Epsilon)/(qMean+s.cfg.Epsilon), s.cfg.RhoMin, s.cfg.RhoMax)

		prev := phi
		phi *= rho[t]
		memberPhi[t] = phi
		delta := phi - prev

		var rhoSum float64
		for j := 0; j <= t; j++ {
			rho[j] = clamp(rho[j]+s.cfg.Alpha*delta, s.cfg.RhoMin, s.cfg.RhoMax)
			rhoSum += rho[j]
		}
		cs.phiSeries[t] = phi
		cs.rhoSeries[t] = rhoSum / float64(t+1)
	}

	if n > 0 {
		cs.Scores.Phi = cs.phiSeries[n-1]
		cs.Scores.Rho = cs.rhoSeries[n-1]
	} else {
		cs.Scores.Phi = 1
	}
	for i, m := range c.Members {
		cs.Members[m.ID] = strand.Scores{Phi: memberPhi[i], Rho: rho[i]}
	}
	return cs, degraded
}

// applyTheta accumulates the global field over every cluster in one pass.
func (s *Scorer) applyTheta(clusters []*ClusterScore) {
	longest := 0
	for _, cs := range clusters {
		if l := len(cs.phiSeries); l > longest {
			longest = l
		}
	}
	// field[t] is the total contribution of every cluster at step t+1.
	field := make([]float64, longest)
	for _, cs := range clusters {
		for t := range cs.phiSeries {
			field[t] += cs.phiSeries[t] * cs.rhoSeries[t]
		}
	}
	for _, cs := range clusters {
		var theta float64
		for t := 0; t < longest; t++ {
			others := field[t]
			if t < len(cs.phiSeries) {
				others -= cs.phiSeries[t] * cs.rhoSeries[t]
			}
			theta += s.cfg.Hbar * others
			// A member's theta is the field accumulated up to its own step.
			if t < len(cs.order) {
				sc := cs.Members[cs.order[t]]
				sc.Theta = theta
				cs.Members[cs.order[t]] = sc
			}
		}
		cs.Scores.Theta = theta
	}
}

// selection computes S and its components.
func (s *Scorer) selection(c *clustering.Cluster, outcome clustering.Outcome, now time.Time) (Components, float64, bool) {
	st := c.Stats
	var comp Components
	degraded := false

	if st.HasSuccess() {
		comp.Accuracy = st.SuccessRate
		comp.Precision = wilsonLower(st.Successes, st.Observed)
	} else {
		comp.Accuracy, comp.Precision = Neutral, Neutral
		degraded = true
	}

	if name, ok := outcome.Primary(); ok {
		ns, present := st.Numeric[name]
		if present && ns.N >= 2 && ns.StdDev > 0 {
			comp.Stability = logistic(ns.Mean / ns.StdDev)
		} else {
			comp.Stability = Neutral
			degraded = true
		}
	} else if st.HasSuccess() {
		p := st.SuccessRate
		comp.Stability = 1 - 4*p*(1-p)
	} else {
		comp.Stability = Neutral
		degraded = true
	}

	var sizePenalty float64
	if s.cfg.TargetSample > 0 {
		sizePenalty = math.Max(0, 1-float64(st.Count)/float64(s.cfg.TargetSample))
	}
	var agePenalty float64
	if s.cfg.StaleAfter > 0 && !st.Newest.IsZero() {
		age := now.Sub(st.Newest)
		if age < 0 {
			age = 0
		}
		agePenalty = math.Min(1, float64(age)/float64(s.cfg.StaleAfter))
	}
	comp.Cost = 0.5*sizePenalty + 0.5*agePenalty

	w := s.cfg.WeightsFor(c.Key.Kind)
	score := w.Accuracy*comp.Accuracy + w.Precision*comp.Precision + w.Stability*comp.Stability - w.Cost*comp.Cost
	return comp, clamp(score, 0, 1), degraded
}

// omega is the mean first difference of S over the last K points, the
// current value being the newest. Fewer than two points yields 0.
func (s *Scorer) omega(prior []float64, current float64) float64 {
	keep := max(s.cfg.OmegaWindow-1, 0)
	if len(prior) > keep {
		prior = prior[len(prior)-keep:]
	}
	points := append(append([]float64(nil), prior...), current)
	if len(points) < 2 {
		return 0
	}
	return (points[len(points)-1] - points[0]) / float64(len(points)-1)
}
