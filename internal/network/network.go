// Package network finds clusters of accounts that share one writing style
// and, optionally, post in coordinated bursts.
package network

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"runtime"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"scribe/internal/forensics"
)

// Defaults for network analysis.
const (
	DefaultSimilarityThreshold      = 0.85
	DefaultCoordinationWindow       = 10 * time.Minute
	DefaultMinCoordinatedAccounts   = 3
	DefaultBotFarmTemporalThreshold = 0.6
)

// ClusterKind labels a cluster.
type ClusterKind string

const (
	KindBotFarm         ClusterKind = "bot_farm"
	KindSockpuppetPair  ClusterKind = "sockpuppet_pair"
	KindSockpuppetGroup ClusterKind = "sockpuppet_group"
)

// clusterNamespace seeds deterministic cluster ids.
var clusterNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("scribe:network:cluster"))

// Config holds the analyzer parameters.
type Config struct {
	SimilarityThreshold      float64
	CoordinationWindow       time.Duration
	MinCoordinatedAccounts   int
	BotFarmTemporalThreshold float64
	Workers                  int
}

// DefaultConfig returns the standard parameters.
func DefaultConfig() Config {
	return Config{
		SimilarityThreshold:      DefaultSimilarityThreshold,
		CoordinationWindow:       DefaultCoordinationWindow,
		MinCoordinatedAccounts:   DefaultMinCoordinatedAccounts,
		BotFarmTemporalThreshold: DefaultBotFarmTemporalThreshold,
		Workers:                  runtime.NumCPU(),
	}
}

// Validate checks the parameters.
func (c Config) Validate() error {
	if !(c.SimilarityThreshold > -1 && c.SimilarityThreshold < 1) {
		return errors.New("network similarity threshold must be in (-1, 1)")
	}
	if c.CoordinationWindow <= 0 {
		return errors.New("network coordination window must be positive")
	}
	if c.MinCoordinatedAccounts < 2 {
		return errors.New("network min coordinated accounts must be >= 2")
	}
	if c.BotFarmTemporalThreshold < 0 || c.BotFarmTemporalThreshold > 1 {
		return errors.New("network bot-farm temporal threshold must be in [0, 1]")
	}
	if c.Workers < 0 {
		return errors.New("network workers must be >= 0")
	}
	return nil
}

// Account is one input account.
type Account struct {
	ID         string      `json:"id"`
	Text       string      `json:"text"`
	Timestamps []time.Time `json:"timestamps,omitempty"`
}

// Edge links two stylistically similar accounts.
type Edge struct {
	A           string  `json:"a"`
	B           string  `json:"b"`
	Similarity  float64 `json:"similarity"`
	Confidence  float64 `json:"confidence"`
	Coordinated bool    `json:"coordinated,omitempty"`
}

// Cluster is a connected component of the similarity graph.
type Cluster struct {
	ID                  string      `json:"id"`
	Kind                ClusterKind `json:"kind"`
	Members             []string    `json:"members"`
	MeanSimilarity      float64     `json:"mean_similarity"`
	MinSimilarity       float64     `json:"min_similarity"`
	StyleConfidence     float64     `json:"style_confidence"`
	TemporalScore       *float64    `json:"temporal_score,omitempty"`
	CoordinatedAccounts int         `json:"coordinated_accounts,omitempty"`
	Confidence          float64     `json:"confidence"`
}

// Skipped is an account that could not be fingerprinted.
type Skipped struct {
	AccountID string `json:"account_id"`
	Reason    string `json:"reason"`
}

// Result is the outcome of one network analysis.
type Result struct {
	ID        string    `json:"id"`
	Accounts  int       `json:"accounts"`
	Pairs     int       `json:"pairs"`
	Edges     []Edge    `json:"edges"`
	Clusters  []Cluster `json:"clusters"`
	Skipped   []Skipped `json:"skipped,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// FingerprintFunc produces the fingerprint of one account's text.
type FingerprintFunc func(ctx context.Context, text string) (*forensics.Fingerprint, error)

// Analyzer runs network analyses.
type Analyzer struct {
	fingerprint FingerprintFunc
	cfg         Config
	logger      *slog.Logger
}

// NewAnalyzer creates an analyzer with the default configuration.
func NewAnalyzer(fn FingerprintFunc, logger *slog.Logger) *Analyzer {
	return NewAnalyzerWithConfig(fn, DefaultConfig(), logger)
}

// NewAnalyzerWithConfig creates an analyzer with custom parameters.
func NewAnalyzerWithConfig(fn FingerprintFunc, cfg Config, logger *slog.Logger) *Analyzer {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = runtime.NumCPU()
	}
	return &Analyzer{fingerprint: fn, cfg: cfg, logger: logger.With("component", "network")}
}

// Config returns the analyzer parameters.
func (a *Analyzer) Config() Config { return a.cfg }

// AnalyzeTexts is Analyze over a text map with optional per-account
// timestamps.
func (a *Analyzer) AnalyzeTexts(ctx context.Context, texts map[string]string, timestamps map[string][]time.Time) (*Result, error) {
	accounts := make([]Account, 0, len(texts))
	for id, text := range texts {
		accounts = append(accounts, Account{ID: id, Text: text, Timestamps: timestamps[id]})
	}
	return a.Analyze(ctx, accounts)
}

// Analyze fingerprints every account, builds the similarity graph and
// extracts clusters. Fewer than two usable accounts yield an empty result.
func (a *Analyzer) Analyze(ctx context.Context, accounts []Account) (*Result, error) {
	res := &Result{
		ID:        uuid.New().String(),
		Edges:     []Edge{},
		Clusters:  []Cluster{},
		CreatedAt: time.Now().UTC(),
	}

	sorted := make([]Account, len(accounts))
	copy(sorted, accounts)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })
	for i := range sorted {
		if strings.TrimSpace(sorted[i].ID) == "" {
			return nil, &forensics.InvalidInputError{Reason: "empty account id"}
		}
		if i > 0 && sorted[i].ID == sorted[i-1].ID {
			return nil, &forensics.InvalidInputError{Reason: "duplicate account id " + sorted[i].ID}
		}
	}
	if len(sorted) < 2 {
		return res, nil
	}

	nodes, skipped, err := a.fingerprintAll(ctx, sorted)
	if err != nil {
		return nil, err
	}
	res.Skipped = skipped
	res.Accounts = len(nodes)
	if len(nodes) < 2 {
		return res, nil
	}

	sims, err := a.pairwise(ctx, nodes)
	if err != nil {
		return nil, err
	}
	res.Pairs = len(sims.values)

	uf := newUnionFind(len(nodes))
	for i := 0; i < len(nodes); i++ {
		for j := i + 1; j < len(nodes); j++ {
			s := sims.at(i, j)
			if s < a.cfg.SimilarityThreshold {
				continue
			}
			uf.union(i, j)
			res.Edges = append(res.Edges, Edge{
				A:           nodes[i].account.ID,
				B:           nodes[j].account.ID,
				Similarity:  round4(s),
				Confidence:  round3(a.styleConfidence(s)),
				Coordinated: a.pairCoordinated(nodes[i].times, nodes[j].times),
			})
		}
	}

	for _, comp := range uf.components() {
		if len(comp) < 2 {
			continue
		}
		res.Clusters = append(res.Clusters, a.buildCluster(nodes, sims, comp))
	}

	a.logger.Info("network analysis complete",
		"accounts", res.Accounts, "edges", len(res.Edges), "clusters", len(res.Clusters), "skipped", len(res.Skipped))
	return res, nil
}

type node struct {
	account Account
	fp      *forensics.Fingerprint
	times   []time.Time
}

// fingerprintAll fingerprints accounts in parallel. Accounts with unusable
// text are skipped; any other error aborts the analysis.
func (a *Analyzer) fingerprintAll(ctx context.Context, accounts []Account) ([]node, []Skipped, error) {
	fps := make([]*forensics.Fingerprint, len(accounts))
	reasons := make([]string, len(accounts))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.cfg.Workers)
	for i := range accounts {
		i := i
		g.Go(func() error {
			fp, err := a.fingerprint(gctx, accounts[i].Text)
			switch {
			case errors.Is(err, forensics.ErrInsufficientSample), errors.Is(err, forensics.ErrInvalidInput):
				reasons[i] = err.Error()
				return nil
			case err != nil:
				return fmt.Errorf("fingerprint account %s: %w", accounts[i].ID, err)
			}
			fps[i] = fp
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}

	var nodes []node
	var skipped []Skipped
	for i, acc := range accounts {
		if fps[i] == nil {
			skipped = append(skipped, Skipped{AccountID: acc.ID, Reason: reasons[i]})
			continue
		}
		times := append([]time.Time(nil), acc.Timestamps...)
		sort.Slice(times, func(x, y int) bool { return times[x].Before(times[y]) })
		nodes = append(nodes, node{account: acc, fp: fps[i], times: times})
	}

	for i := 1; i < len(nodes); i++ {
		if err := forensics.CheckCompatible(nodes[i].fp, nodes[i].account.ID, nodes[0].fp.Version, nodes[0].fp.Dimensions()); err != nil {
			return nil, nil, err
		}
	}
	return nodes, skipped, nil
}

// simMatrix is the strict upper triangle of the similarity matrix.
type simMatrix struct {
	n      int
	values []float64
}

func (m *simMatrix) index(i, j int) int {
	if i > j {
		i, j = j, i
	}
	// rows before i hold (n-1) + (n-2) + ... + (n-i) entries
	return i*(2*m.n-i-1)/2 + (j - i - 1)
}

func (m *simMatrix) at(i, j int) float64 { return m.values[m.index(i, j)] }

// pairwise fills the similarity matrix, one row per task. Rows write
// disjoint index ranges.
func (a *Analyzer) pairwise(ctx context.Context, nodes []node) (*simMatrix, error) {
	n := len(nodes)
	m := &simMatrix{n: n, values: make([]float64, n*(n-1)/2)}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.cfg.Workers)
	for i := 0; i < n-1; i++ {
		i := i
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			for j := i + 1; j < n; j++ {
				s, err := forensics.CosineSimilarity(nodes[i].fp.Vector, nodes[j].fp.Vector)
				if err != nil {
					return err
				}
				m.values[m.index(i, j)] = s
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return m, nil
}

func (a *Analyzer) buildCluster(nodes []node, sims *simMatrix, comp []int) Cluster {
	members := make([]string, len(comp))
	for k, idx := range comp {
		members[k] = nodes[idx].account.ID
	}

	sum, minSim, pairs := 0.0, 1.0, 0
	for x := 0; x < len(comp); x++ {
		for y := x + 1; y < len(comp); y++ {
			s := sims.at(comp[x], comp[y])
			sum += s
			minSim = math.Min(minSim, s)
			pairs++
		}
	}
	mean := sum / float64(pairs)
	style := a.styleConfidence(mean)

	c := Cluster{
		ID:              uuid.NewSHA1(clusterNamespace, []byte(strings.Join(members, "\x00"))).String(),
		Members:         members,
		MeanSimilarity:  round4(mean),
		MinSimilarity:   round4(minSim),
		StyleConfidence: round3(style),
		Confidence:      round3(style),
	}

	if len(comp) == 2 {
		c.Kind = KindSockpuppetPair
	} else {
		c.Kind = KindSockpuppetGroup
	}

	series := make([][]time.Time, len(comp))
	hasTimes := false
	for k, idx := range comp {
		series[k] = nodes[idx].times
		if len(series[k]) > 0 {
			hasTimes = true
		}
	}
	if !hasTimes {
		return c
	}

	coordinated := maxAccountsInWindow(series, a.cfg.CoordinationWindow)
	temporal := float64(coordinated) / float64(len(comp))
	ts := round3(temporal)
	c.TemporalScore = &ts
	if coordinated >= a.cfg.MinCoordinatedAccounts {
		c.CoordinatedAccounts = coordinated
		if temporal >= a.cfg.BotFarmTemporalThreshold {
			c.Kind = KindBotFarm
			c.Confidence = round3(0.6*style + 0.4*temporal)
		}
	}
	return c
}

// styleConfidence maps a similarity at or above the threshold onto
// [0.5, 1].
func (a *Analyzer) styleConfidence(sim float64) float64 {
	thr := a.cfg.SimilarityThreshold
	x := (sim - thr) / (1 - thr)
	return 0.5 + 0.5*math.Max(0, math.Min(1, x))
}

func (a *Analyzer) pairCoordinated(ta, tb []time.Time) bool {
	if len(ta) == 0 || len(tb) == 0 {
		return false
	}
	i, j := 0, 0
	for i < len(ta) && j < len(tb) {
		d := ta[i].Sub(tb[j])
		if d.Abs() <= a.cfg.CoordinationWindow {
			return true
		}
		if d < 0 {
			i++
		} else {
			j++
		}
	}
	return false
}

// maxAccountsInWindow returns the largest number of distinct series with
// at least one timestamp inside a common window of the given width.
func maxAccountsInWindow(series [][]time.Time, window time.Duration) int {
	type event struct {
		at      time.Time
		account int
	}
	var events []event
	for k, ts := range series {
		for _, t := range ts {
			events = append(events, event{at: t, account: k})
		}
	}
	sort.Slice(events, func(i, j int) bool {
		if events[i].at.Equal(events[j].at) {
			return events[i].account < events[j].account
		}
		return events[i].at.Before(events[j].at)
	})

	counts := make([]int, len(series))
	distinct, best, left := 0, 0, 0
	for right := range events {
		if counts[events[right].account] == 0 {
			distinct++
		}
		counts[events[right].account]++
		for events[right].at.Sub(events[left].at) > window {
			counts[events[left].account]--
			if counts[events[left].account] == 0 {
				distinct--
			}
			left++
		}
		if distinct > best {
			best = distinct
		}
	}
	return best
}

func round3(v float64) float64 { return math.Round(v*1000) / 1000 }
func round4(v float64) float64 { return math.Round(v*10000) / 10000 }
