package config

import (
	"fmt"
)

type CacheKeyStruct struct{}

func NewCacheKeyStruct() *CacheKeyStruct {
	return &CacheKeyStruct{}
}

// ExamKey returns the cache key for an exam's full definition (pool, blueprint, flags).
// The cached value carries answer keys and the gate secret; it is never sent to clients.
func (r *CacheKeyStruct) ExamKey(examID string) string {
	return fmt.Sprintf("exam:%s:definition", examID)
}

// CandidateQuestionOrderKey returns the cache key holding a candidate's sampled question order.
func (r *CacheKeyStruct) CandidateQuestionOrderKey(examID, candidateKey string) string {
	return fmt.Sprintf("candidate:%s:exam:%s:question_order", candidateKey, examID)
}

// CandidateAnswersKey returns the cache key for a candidate's autosaved answers.
func (r *CacheKeyStruct) CandidateAnswersKey(examID, candidateKey string) string {
	return fmt.Sprintf("candidate:%s:exam:%s:answers", candidateKey, examID)
}

// CandidateJustificationsKey returns the cache key for a candidate's autosaved justifications.
func (r *CacheKeyStruct) CandidateJustificationsKey(examID, candidateKey string) string {
	return fmt.Sprintf("candidate:%s:exam:%s:justifications", candidateKey, examID)
}

// CandidateViolationsKey returns the counter of violations counted for a candidate
// across every connection of the attempt.
func (r *CacheKeyStruct) CandidateViolationsKey(examID, candidateKey string) string {
	return fmt.Sprintf("candidate:%s:exam:%s:violations", candidateKey, examID)
}

// CandidateStartedAtKey returns the cache key holding when the candidate's
// attempt first went live. The exam deadline is computed from it.
func (r *CacheKeyStruct) CandidateStartedAtKey(examID, candidateKey string) string {
	return fmt.Sprintf("candidate:%s:exam:%s:started_at", candidateKey, examID)
}

// ExamMonitorChannel returns the Redis PubSub channel name for an exam monitor
func (r *CacheKeyStruct) ExamMonitorChannel(examID string) string {
	return fmt.Sprintf("exam:%s:monitor", examID)
}

var CacheKey = NewCacheKeyStruct()
