package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Episode is one recorded experience: what was observed, what the agent did
// and how it turned out. Replay batches are built from these.
type Episode struct {
	ID          string
	Action      string
	Observation string
	Reasoning   string
	Confidence  float64
	Success     bool
	Reward      float64
	Complexity  float64
	Efficiency  float64
	Quality     float64
	Feedback    string
	CreatedAt   time.Time
}

type CreateEpisodeInput struct {
	Action      string
	Observation string
	Reasoning   string
	Confidence  float64
	Success     bool
	Reward      float64
	Complexity  float64
	Efficiency  float64
	Quality     float64
	Feedback    string
}

type ListEpisodesInput struct {
	Action string
	Since  time.Time
	Limit  int
}

func (s *Store) CreateEpisode(ctx context.Context, input CreateEpisodeInput) (Episode, error) {
	record := Episode{
		ID:          "ep_" + uuid.NewString(),
		Action:      strings.TrimSpace(input.Action),
		Observation: strings.TrimSpace(input.Observation),
		Reasoning:   strings.TrimSpace(input.Reasoning),
		Confidence:  input.Confidence,
		Success:     input.Success,
		Reward:      input.Reward,
		Complexity:  input.Complexity,
		Efficiency:  input.Efficiency,
		Quality:     input.Quality,
		Feedback:    strings.TrimSpace(input.Feedback),
		CreatedAt:   time.Now().UTC(),
	}
	if record.Action == "" {
		return Episode{}, fmt.Errorf("missing episode action")
	}

	if _, err := s.db.ExecContext(
		ctx,
		`INSERT INTO episodes (
			id, action, observation, reasoning, confidence, success, reward, complexity, efficiency, quality, feedback, created_at_unix
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		record.ID,
		record.Action,
		nullIfEmpty(record.Observation),
		nullIfEmpty(record.Reasoning),
		record.Confidence,
		boolToInt(record.Success),
		record.Reward,
		record.Complexity,
		record.Efficiency,
		record.Quality,
		nullIfEmpty(record.Feedback),
		record.CreatedAt.Unix(),
	); err != nil {
		return Episode{}, fmt.Errorf("insert episode: %w", err)
	}
	return record, nil
}

func (s *Store) ListEpisodes(ctx context.Context, input ListEpisodesInput) ([]Episode, error) {
	limit := input.Limit
	if limit < 1 {
		limit = 100
	}
	if limit > 1000 {
		limit = 1000
	}
	whereParts := []string{"1=1"}
	args := make([]any, 0, 4)

	if action := strings.TrimSpace(input.Action); action != "" {
		whereParts = append(whereParts, "action = ?")
		args = append(args, action)
	}
	if !input.Since.IsZero() {
		whereParts = append(whereParts, "created_at_unix >= ?")
		args = append(args, input.Since.Unix())
	}
	args = append(args, limit)

	rows, err := s.db.QueryContext(
		ctx,
		`SELECT id, action, COALESCE(observation, ''), COALESCE(reasoning, ''), confidence, success, reward, complexity, efficiency, quality, COALESCE(feedback, ''), created_at_unix
		 FROM episodes
		 WHERE `+strings.Join(whereParts, " AND ")+`
		 ORDER BY created_at_unix DESC
		 LIMIT ?`,
		args...,
	)
	if err != nil {
		return nil, fmt.Errorf("query episodes: %w", err)
	}
	defer rows.Close()

	episodes := make([]Episode, 0, limit)
	for rows.Next() {
		var episode Episode
		var success int
		var createdAtUnix int64
		if err := rows.Scan(
			&episode.ID,
			&episode.Action,
			&episode.Observation,
			&episode.Reasoning,
			&episode.Confidence,
			&success,
			&episode.Reward,
			&episode.Complexity,
			&episode.Efficiency,
			&episode.Quality,
			&episode.Feedback,
			&createdAtUnix,
		); err != nil {
			return nil, err
		}
		episode.Success = success == 1
		if createdAtUnix > 0 {
			episode.CreatedAt = time.Unix(createdAtUnix, 0).UTC()
		}
		episodes = append(episodes, episode)
	}
	return episodes, nil
}
