// Package memstore is an in-process implementation of the job, pipeline and
// notification stores. A single mutex stands in for the conditional updates
// the Postgres store performs, so the same atomicity contracts hold.
package memstore

import (
	"sync"
	"time"

	"client-engine/internal/models"
)

type jobRecord struct {
	job models.JobRun
	seq int64
}

// Store holds every table in memory.
type Store struct {
	// Now is the store clock; tests replace it to move time forward.
	Now func() time.Time

	mu  sync.Mutex
	seq int64

	jobs    map[string]*jobRecord
	jobLogs map[string][]models.JobLog

	leads     map[string]models.Lead
	runs      map[string]models.PipelineRun
	runOrder  []string
	steps     map[string][]models.PipelineStepRun
	artifacts []models.Artifact

	events     map[string]models.NotificationEvent
	eventOrder []string
	deliveries map[string]models.NotificationDelivery
	delivOrder []string
}

// New returns an empty store using the wall clock.
func New() *Store {
	return &Store{
		Now:        time.Now,
		jobs:       make(map[string]*jobRecord),
		jobLogs:    make(map[string][]models.JobLog),
		leads:      make(map[string]models.Lead),
		runs:       make(map[string]models.PipelineRun),
		steps:      make(map[string][]models.PipelineStepRun),
		events:     make(map[string]models.NotificationEvent),
		deliveries: make(map[string]models.NotificationDelivery),
	}
}

func (s *Store) now() time.Time {
	return s.Now().UTC()
}

func (s *Store) nextSeq() int64 {
	s.seq++
	return s.seq
}

func ptr[T any](v T) *T {
	return &v
}

func emptyToNil(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}
