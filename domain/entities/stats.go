package entities

import "sync/atomic"

// SessionStats holds per-session traffic counters. Counters only grow.
// Sent is device to engine, received is engine to device.
type SessionStats struct {
	bytesSent        atomic.Int64
	bytesReceived    atomic.Int64
	messagesSent     atomic.Int64
	messagesReceived atomic.Int64
	errors           atomic.Int64
}

// StatsSnapshot is an immutable copy of SessionStats
type StatsSnapshot struct {
	BytesSent        int64 `json:"bytes_sent" bson:"bytes_sent"`
	BytesReceived    int64 `json:"bytes_received" bson:"bytes_received"`
	MessagesSent     int64 `json:"messages_sent" bson:"messages_sent"`
	MessagesReceived int64 `json:"messages_received" bson:"messages_received"`
	Errors           int64 `json:"errors" bson:"errors"`
}

func (s *SessionStats) AddSent(n int) {
	s.bytesSent.Add(int64(n))
	s.messagesSent.Add(1)
}

func (s *SessionStats) AddReceived(n int) {
	s.bytesReceived.Add(int64(n))
	s.messagesReceived.Add(1)
}

func (s *SessionStats) AddError() {
	s.errors.Add(1)
}

// Snapshot reads all counters
func (s *SessionStats) Snapshot() StatsSnapshot {
	return StatsSnapshot{
		BytesSent:        s.bytesSent.Load(),
		BytesReceived:    s.bytesReceived.Load(),
		MessagesSent:     s.messagesSent.Load(),
		MessagesReceived: s.messagesReceived.Load(),
		Errors:           s.errors.Load(),
	}
}

// Add sums two snapshots, used for hub-wide totals
func (s StatsSnapshot) Add(o StatsSnapshot) StatsSnapshot {
	return StatsSnapshot{
		BytesSent:        s.BytesSent + o.BytesSent,
		BytesReceived:    s.BytesReceived + o.BytesReceived,
		MessagesSent:     s.MessagesSent + o.MessagesSent,
		MessagesReceived: s.MessagesReceived + o.MessagesReceived,
		Errors:           s.Errors + o.Errors,
	}
}
