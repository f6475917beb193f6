package entities

import (
	"errors"
	"time"
)

// SystemPrompt holds the speech engine instructions for one episode
type SystemPrompt struct {
	Season    int       `json:"season" bson:"season" yaml:"season"`
	Episode   int       `json:"episode" bson:"episode" yaml:"episode"`
	Title     string    `json:"title" bson:"title" yaml:"title"`
	Content   string    `json:"content" bson:"content" yaml:"content"`
	Active    bool      `json:"active" bson:"active" yaml:"active"`
	UpdatedAt time.Time `json:"updated_at" bson:"updated_at" yaml:"-"`
}

func (p *SystemPrompt) Validate() error {
	if err := (LearningPosition{Season: p.Season, Episode: p.Episode}).Validate(); err != nil {
		return err
	}
	if p.Content == "" {
		return errors.New("content is required")
	}
	return nil
}
