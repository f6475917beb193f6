package badger

import (
	"context"
	"errors"
	"fmt"

	badgerdb "github.com/dgraph-io/badger/v4"
	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"

	"github.com/satriahrh/arunika/orchestrator/domain/entities"
	"github.com/satriahrh/arunika/orchestrator/domain/repositories"
)

// Key layout:
//
//	conv:<session_id>                        -> msgpack ConversationSession
//	dev:<device_id>:<start_unix_nano>:<sid>  -> session_id
//
// Start times are zero padded so the device index sorts chronologically.
const (
	conversationPrefix = "conv:"
	devicePrefix       = "dev:"
)

// Options configures the badger transcript store
type Options struct {
	// Dir is the directory for badger data files. Required unless InMemory.
	Dir string

	// InMemory runs badger without disk persistence
	InMemory bool
}

// TranscriptRepository implements repositories.TranscriptRepository on an
// embedded badger database
type TranscriptRepository struct {
	db     *badgerdb.DB
	logger *zap.Logger
}

var _ repositories.TranscriptRepository = (*TranscriptRepository)(nil)

// NewTranscriptRepository opens the badger database
func NewTranscriptRepository(opts Options, logger *zap.Logger) (*TranscriptRepository, error) {
	if !opts.InMemory && opts.Dir == "" {
		return nil, errors.New("badger directory is required for on-disk mode")
	}

	dbOpts := badgerdb.DefaultOptions(opts.Dir).
		WithInMemory(opts.InMemory).
		WithLogger(zapLogger{logger.Sugar()})

	db, err := badgerdb.Open(dbOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger: %w", err)
	}

	logger.Info("Badger transcript store opened",
		zap.String("dir", opts.Dir),
		zap.Bool("inMemory", opts.InMemory))

	return &TranscriptRepository{db: db, logger: logger}, nil
}

func conversationKey(sessionID string) []byte {
	return []byte(conversationPrefix + sessionID)
}

func deviceKey(session *entities.ConversationSession) []byte {
	return []byte(fmt.Sprintf("%s%s:%020d:%s", devicePrefix, session.DeviceID, session.StartTime.UnixNano(), session.SessionID))
}

// SaveConversation implements repositories.TranscriptRepository
func (r *TranscriptRepository) SaveConversation(_ context.Context, session *entities.ConversationSession) error {
	if session == nil {
		return errors.New("session cannot be nil")
	}

	data, err := msgpack.Marshal(session)
	if err != nil {
		return fmt.Errorf("failed to encode conversation: %w", err)
	}

	err = r.db.Update(func(txn *badgerdb.Txn) error {
		if err := txn.Set(conversationKey(session.SessionID), data); err != nil {
			return err
		}
		return txn.Set(deviceKey(session), []byte(session.SessionID))
	})
	if err != nil {
		r.logger.Error("Failed to save conversation",
			zap.String("sessionID", session.SessionID),
			zap.Error(err))
		return fmt.Errorf("failed to save conversation: %w", err)
	}
	return nil
}

// FetchConversation implements repositories.TranscriptRepository
func (r *TranscriptRepository) FetchConversation(_ context.Context, sessionID string) (*entities.ConversationSession, error) {
	var session *entities.ConversationSession
	err := r.db.View(func(txn *badgerdb.Txn) error {
		var err error
		session, err = r.load(txn, sessionID)
		return err
	})
	if errors.Is(err, badgerdb.ErrKeyNotFound) {
		return nil, repositories.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch conversation: %w", err)
	}
	return session, nil
}

// ListSessions implements repositories.TranscriptRepository
func (r *TranscriptRepository) ListSessions(_ context.Context, deviceID string, limit int) ([]entities.ConversationSummary, error) {
	prefix := []byte(devicePrefix + deviceID + ":")
	summaries := make([]entities.ConversationSummary, 0)

	err := r.db.View(func(txn *badgerdb.Txn) error {
		iterOpts := badgerdb.DefaultIteratorOptions
		iterOpts.Prefix = prefix
		iterOpts.Reverse = true // Most recent first
		it := txn.NewIterator(iterOpts)
		defer it.Close()

		seek := append(append([]byte{}, prefix...), 0xFF)
		for it.Seek(seek); it.ValidForPrefix(prefix); it.Next() {
			if limit > 0 && len(summaries) >= limit {
				break
			}
			sessionID, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			session, err := r.load(txn, string(sessionID))
			if err != nil {
				r.logger.Error("Failed to load indexed conversation",
					zap.String("sessionID", string(sessionID)),
					zap.Error(err))
				continue
			}
			summaries = append(summaries, session.Summary())
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}
	return summaries, nil
}

func (r *TranscriptRepository) load(txn *badgerdb.Txn, sessionID string) (*entities.ConversationSession, error) {
	item, err := txn.Get(conversationKey(sessionID))
	if err != nil {
		return nil, err
	}
	data, err := item.ValueCopy(nil)
	if err != nil {
		return nil, err
	}
	var session entities.ConversationSession
	if err := msgpack.Unmarshal(data, &session); err != nil {
		return nil, fmt.Errorf("failed to decode conversation: %w", err)
	}
	return &session, nil
}

// Close closes the badger database
func (r *TranscriptRepository) Close() error {
	return r.db.Close()
}

// zapLogger routes badger's internal logging through zap, keeping only
// warnings and errors.
type zapLogger struct {
	s *zap.SugaredLogger
}

func (l zapLogger) Errorf(f string, v ...interface{})   { l.s.Errorf("[badger] "+f, v...) }
func (l zapLogger) Warningf(f string, v ...interface{}) { l.s.Warnf("[badger] "+f, v...) }
func (zapLogger) Infof(string, ...interface{})          {}
func (zapLogger) Debugf(string, ...interface{})         {}
