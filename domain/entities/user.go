package entities

import (
	"errors"
	"fmt"
	"time"
)

// DefaultEpisodesPerSeason is the number of episodes before the season wraps
const DefaultEpisodesPerSeason = 7

// DefaultDailyEpisodeLimit caps how many episodes may be completed per day
const DefaultDailyEpisodeLimit = 3

// ErrDailyLimitReached is returned when the daily episode allowance is spent
var ErrDailyLimitReached = errors.New("daily episode limit reached")

// UserStatus represents the account state of a registered device user
type UserStatus string

const (
	UserStatusActive    UserStatus = "active"
	UserStatusSuspended UserStatus = "suspended"
)

// UserRecord is the registered user behind a device
type UserRecord struct {
	DeviceID             string           `json:"device_id" bson:"_id" yaml:"device_id"`
	Name                 string           `json:"name" bson:"name" yaml:"name"`
	Age                  int              `json:"age" bson:"age" yaml:"age"`
	Status               UserStatus       `json:"status" bson:"status" yaml:"status"`
	Progress             LearningProgress `json:"progress" bson:"progress" yaml:"progress"`
	CreatedAt            time.Time        `json:"created_at" bson:"created_at" yaml:"-"`
	LastActive           *time.Time       `json:"last_active,omitempty" bson:"last_active,omitempty" yaml:"-"`
	LastCompletedEpisode *time.Time       `json:"last_completed_episode,omitempty" bson:"last_completed_episode,omitempty" yaml:"-"`
}

// Validate validates the user data
func (u *UserRecord) Validate() error {
	if err := ValidateDeviceID(u.DeviceID); err != nil {
		return err
	}
	if u.Name == "" {
		return errors.New("name is required")
	}
	return u.Progress.Position().Validate()
}

// LearningPosition is the season/episode pointer of a user
type LearningPosition struct {
	Season  int `json:"season" bson:"season" yaml:"season"`
	Episode int `json:"episode" bson:"episode" yaml:"episode"`
}

func (p LearningPosition) Validate() error {
	if p.Season < 1 || p.Episode < 1 {
		return fmt.Errorf("invalid learning position season=%d episode=%d", p.Season, p.Episode)
	}
	return nil
}

// ProgressUpdate is the outcome of advancing a user by one episode
type ProgressUpdate struct {
	LearningPosition
	EpisodesCompleted int  `json:"total_completed"`
	NewSeason         bool `json:"new_season_started"`
}

// DailyUsage tracks what a user did on one calendar day
type DailyUsage struct {
	Date             string     `json:"date" bson:"date"`
	EpisodesPlayed   int        `json:"episodes_played" bson:"episodes_played"`
	TotalSessionTime float64    `json:"total_session_time" bson:"total_session_time"`
	SessionsCount    int        `json:"sessions_count" bson:"sessions_count"`
	LastEpisodeTime  *time.Time `json:"last_episode_time,omitempty" bson:"last_episode_time,omitempty"`
}

// LearningProgress is the user's position plus lifetime and daily usage
type LearningProgress struct {
	Season            int          `json:"season" bson:"season" yaml:"season"`
	Episode           int          `json:"episode" bson:"episode" yaml:"episode"`
	EpisodesCompleted int          `json:"episodes_completed" bson:"episodes_completed" yaml:"episodes_completed"`
	TotalTimeSeconds  float64      `json:"total_time" bson:"total_time" yaml:"-"`
	DailyUsage        DailyUsage   `json:"daily_usage" bson:"daily_usage" yaml:"-"`
	UsageHistory      []DailyUsage `json:"usage_history,omitempty" bson:"usage_history,omitempty" yaml:"-"`
}

// NewLearningProgress starts a user at season 1, episode 1
func NewLearningProgress() LearningProgress {
	return LearningProgress{Season: 1, Episode: 1}
}

func (p *LearningProgress) Position() LearningPosition {
	return LearningPosition{Season: p.Season, Episode: p.Episode}
}

// rollDay archives yesterday's usage when the calendar day changed.
// At most 30 days of history are kept.
func (p *LearningProgress) rollDay(now time.Time) {
	today := now.Format("2006-01-02")
	if p.DailyUsage.Date == today {
		return
	}
	if p.DailyUsage.EpisodesPlayed > 0 {
		p.UsageHistory = append(p.UsageHistory, p.DailyUsage)
	}
	if len(p.UsageHistory) > 30 {
		p.UsageHistory = p.UsageHistory[len(p.UsageHistory)-30:]
	}
	p.DailyUsage = DailyUsage{Date: today}
}

// Advance moves to the next episode, wrapping into the next season after
// episodesPerSeason. A dailyLimit of zero disables the daily cap.
func (p *LearningProgress) Advance(episodesPerSeason, dailyLimit int, now time.Time) (newSeason bool, err error) {
	if episodesPerSeason < 1 {
		episodesPerSeason = DefaultEpisodesPerSeason
	}
	p.rollDay(now)
	if dailyLimit > 0 && p.DailyUsage.EpisodesPlayed >= dailyLimit {
		return false, ErrDailyLimitReached
	}

	p.DailyUsage.EpisodesPlayed++
	p.DailyUsage.LastEpisodeTime = &now
	p.EpisodesCompleted++
	p.Episode++
	if p.Episode > episodesPerSeason {
		p.Episode = 1
		p.Season++
		newSeason = true
	}
	return newSeason, nil
}

// AddSessionTime accumulates time spent in a session
func (p *LearningProgress) AddSessionTime(seconds float64, now time.Time) {
	p.rollDay(now)
	p.DailyUsage.TotalSessionTime += seconds
	p.DailyUsage.SessionsCount++
	p.TotalTimeSeconds += seconds
}

// ProgressPolicy carries the advancement rules
type ProgressPolicy struct {
	EpisodesPerSeason int
	DailyEpisodeLimit int
}

// DefaultProgressPolicy is seven episodes per season, three per day
func DefaultProgressPolicy() ProgressPolicy {
	return ProgressPolicy{
		EpisodesPerSeason: DefaultEpisodesPerSeason,
		DailyEpisodeLimit: DefaultDailyEpisodeLimit,
	}
}

// CompleteEpisode advances the user under the policy and stamps the completion time
func (u *UserRecord) CompleteEpisode(policy ProgressPolicy, now time.Time) (ProgressUpdate, error) {
	newSeason, err := u.Progress.Advance(policy.EpisodesPerSeason, policy.DailyEpisodeLimit, now)
	if err != nil {
		return ProgressUpdate{}, err
	}
	u.LastCompletedEpisode = &now
	u.LastActive = &now
	return ProgressUpdate{
		LearningPosition:  u.Progress.Position(),
		EpisodesCompleted: u.Progress.EpisodesCompleted,
		NewSeason:         newSeason,
	}, nil
}
