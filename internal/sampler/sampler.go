// Package sampler builds a candidate's question list from section pools and a
// pick-count blueprint.
package sampler

import (
	"errors"
	"math/rand"
	"time"

	"github.com/stemsi/exstem-proctor/internal/model"
)

// ErrEmptySample means the exam produced no questions; the session cannot go live.
var ErrEmptySample = errors.New("exam has no questions to sample")

// Sample returns the ordered question list for one session.
//
// With a blueprint, each section's pool is permuted once and each entry takes
// the next min(PickCount, remaining) questions of that permutation; entries are
// concatenated in blueprint order. A section named by several entries is
// therefore never drawn twice. Without a blueprint, the whole pool is permuted
// once. A nil rng uses a time-seeded source.
func Sample(pool []model.Question, blueprint []model.SectionBlueprint, rng *rand.Rand) []model.Question {
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}

	if len(blueprint) == 0 {
		return Shuffle(pool, rng)
	}

	sections := GroupBySection(pool)
	perms := make(map[string][]model.Question, len(sections))
	out := make([]model.Question, 0, len(pool))
	for _, bp := range blueprint {
		name := bp.Section
		if name == "" {
			name = model.DefaultSection
		}
		remaining, seen := perms[name]
		if !seen {
			remaining = Shuffle(sections[name], rng)
		}
		n := min(max(bp.PickCount, 0), len(remaining))
		out = append(out, remaining[:n]...)
		perms[name] = remaining[n:]
	}
	return out
}

// Build samples an exam and fails when nothing came out.
func Build(exam *model.Exam, rng *rand.Rand) ([]model.Question, error) {
	qs := Sample(exam.Questions, exam.Blueprint, rng)
	if len(qs) == 0 {
		return nil, ErrEmptySample
	}
	return qs, nil
}

// Shuffle returns a Fisher–Yates permutation of qs. The input is not modified.
func Shuffle(qs []model.Question, rng *rand.Rand) []model.Question {
	out := append([]model.Question(nil), qs...)
	for i := len(out) - 1; i > 0; i-- {
		j := rng.Intn(i + 1)
		out[i], out[j] = out[j], out[i]
	}
	return out
}

// GroupBySection splits a pool by section name, keeping pool order inside each group.
func GroupBySection(pool []model.Question) map[string][]model.Question {
	groups := make(map[string][]model.Question)
	for _, q := range pool {
		name := q.SectionName()
		groups[name] = append(groups[name], q)
	}
	return groups
}

// Reorder rebuilds a previously sampled list from its question IDs, so a
// reconnecting candidate keeps the same paper. IDs missing from the pool are
// skipped; ok is false when any were.
func Reorder(pool []model.Question, order []string) (qs []model.Question, ok bool) {
	byID := make(map[string]model.Question, len(pool))
	for _, q := range pool {
		byID[q.ID.String()] = q
	}
	ok = true
	qs = make([]model.Question, 0, len(order))
	for _, id := range order {
		q, found := byID[id]
		if !found {
			ok = false
			continue
		}
		qs = append(qs, q)
	}
	return qs, ok
}

// IDs returns the question IDs of qs in order.
func IDs(qs []model.Question) []string {
	ids := make([]string, len(qs))
	for i := range qs {
		ids[i] = qs[i].ID.String()
	}
	return ids
}
