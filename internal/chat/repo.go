package chat

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrSessionNotFound = errors.New("chat: session not found")
	ErrJobNotFound     = errors.New("chat: job not found")
)

// Turn is one completed user/assistant exchange ready to be appended.
type Turn struct {
	RequestID     string
	UserText      string
	AssistantText string
	Service       string
	Model         string
	// Title is applied only if the session has no assistant message yet.
	Title string
}

// Store is the persistence the chat package needs.
type Store interface {
	CreateSession(ctx context.Context, s *Session) error
	GetSession(ctx context.Context, userID uint64, sessionID string) (*Session, error)
	LatestOpenSession(ctx context.Context, userID uint64, emptySince time.Time) (*Session, error)
	ListSessions(ctx context.Context, userID uint64, offset, limit int) ([]Session, int64, error)
	DeleteSession(ctx context.Context, userID uint64, sessionID string) error

	ListMessages(ctx context.Context, sessionID string) ([]Message, error)
	RecentMessages(ctx context.Context, sessionID string, limit int) ([]Message, error)
	AppendTurn(ctx context.Context, userID uint64, sessionID string, t Turn) (bool, error)
	MessageIDByIdempotencyKey(ctx context.Context, sessionID, key string) (uint64, error)
	ClearMessages(ctx context.Context, userID uint64, service string) (int64, error)

	CreateJobOrGetExisting(ctx context.Context, job *Job) (*Job, bool, error)
	GetJobByID(ctx context.Context, id string) (*Job, error)
	UpdateJobStatusRunning(ctx context.Context, id string) error
	MarkJobSucceeded(ctx context.Context, id string, assistantMsgID uint64) error
	MarkJobFailed(ctx context.Context, id string, errMsg string) error
	MarkJobCanceled(ctx context.Context, id string) error
	RequeueJob(ctx context.Context, id string) error
}

type Repo struct {
	db *gorm.DB
}

var _ Store = (*Repo)(nil)

func NewRepo(db *gorm.DB) *Repo {
	return &Repo{db: db}
}

func userKey(requestID string) string      { return requestID + ":user" }
func assistantKey(requestID string) string { return requestID + ":assistant" }

func (r *Repo) CreateSession(ctx context.Context, s *Session) error {
	return r.db.WithContext(ctx).Create(s).Error
}

// GetSession returns the session only if userID owns it.
func (r *Repo) GetSession(ctx context.Context, userID uint64, sessionID string) (*Session, error) {
	var s Session
	err := r.db.WithContext(ctx).
		Where("session_id = ? AND user_id = ?", sessionID, userID).
		First(&s).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrSessionNotFound
		}
		return nil, err
	}
	return &s, nil
}

// LatestOpenSession returns the user's most recently updated session that is either
// non-empty or, when emptySince is non-zero, empty but touched after emptySince.
func (r *Repo) LatestOpenSession(ctx context.Context, userID uint64, emptySince time.Time) (*Session, error) {
	q := r.db.WithContext(ctx).Where("user_id = ?", userID)
	if !emptySince.IsZero() {
		q = q.Where("(message_count > 0 OR updated_at >= ?)", emptySince)
	}
	var s Session
	if err := q.Order("updated_at DESC").Order("id DESC").First(&s).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrSessionNotFound
		}
		return nil, err
	}
	return &s, nil
}

func (r *Repo) ListSessions(ctx context.Context, userID uint64, offset, limit int) ([]Session, int64, error) {
	var total int64
	if err := r.db.WithContext(ctx).Model(&Session{}).Where("user_id = ?", userID).Count(&total).Error; err != nil {
		return nil, 0, err
	}
	var out []Session
	err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("updated_at DESC").Order("id DESC").
		Offset(offset).Limit(limit).
		Find(&out).Error
	if err != nil {
		return nil, 0, err
	}
	return out, total, nil
}

func (r *Repo) DeleteSession(ctx context.Context, userID uint64, sessionID string) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Where("session_id = ? AND user_id = ?", sessionID, userID).Delete(&Session{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrSessionNotFound
		}
		return tx.Where("session_id = ?", sessionID).Delete(&Message{}).Error
	})
}

// ListMessages returns all messages of a session in index order.
func (r *Repo) ListMessages(ctx context.Context, sessionID string) ([]Message, error) {
	var msgs []Message
	err := r.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("message_index ASC").
		Find(&msgs).Error
	return msgs, err
}

// RecentMessages returns the last limit messages of a session, oldest first.
func (r *Repo) RecentMessages(ctx context.Context, sessionID string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 20
	}
	var desc []Message
	if err := r.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("message_index DESC").
		Limit(limit).
		Find(&desc).Error; err != nil {
		return nil, err
	}
	// reverse to ASC (oldest -> newest)
	for i, j := 0, len(desc)-1; i < j; i, j = i+1, j-1 {
		desc[i], desc[j] = desc[j], desc[i]
	}
	return desc, nil
}

// AppendTurn writes the user and assistant messages of t in one transaction and
// bumps the session counters. It reports false without writing when t.RequestID
// was already appended, so a redelivered commit is harmless.
func (r *Repo) AppendTurn(ctx context.Context, userID uint64, sessionID string, t Turn) (bool, error) {
	appended := false
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var sess Session
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("session_id = ? AND user_id = ?", sessionID, userID).
			First(&sess).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrSessionNotFound
			}
			return err
		}

		uk, ak := userKey(t.RequestID), assistantKey(t.RequestID)
		var dup int64
		if err := tx.Model(&Message{}).
			Where("session_id = ? AND idempotency_key IN ?", sessionID, []string{uk, ak}).
			Count(&dup).Error; err != nil {
			return err
		}
		if dup > 0 {
			return nil
		}

		var maxIdx int
		if err := tx.Model(&Message{}).
			Where("session_id = ?", sessionID).
			Select("COALESCE(MAX(message_index), -1)").
			Scan(&maxIdx).Error; err != nil {
			return err
		}

		var priorAssistant int64
		if err := tx.Model(&Message{}).
			Where("session_id = ? AND role = ?", sessionID, RoleAssistant).
			Count(&priorAssistant).Error; err != nil {
			return err
		}

		msgs := []Message{
			{
				SessionID: sessionID, UserID: userID, Role: RoleUser, Content: t.UserText,
				Service: t.Service, Model: t.Model, MessageIndex: maxIdx + 1, IdempotencyKey: &uk,
			},
			{
				SessionID: sessionID, UserID: userID, Role: RoleAssistant, Content: t.AssistantText,
				Service: t.Service, Model: t.Model, MessageIndex: maxIdx + 2, IdempotencyKey: &ak,
			},
		}
		if err := tx.Create(&msgs).Error; err != nil {
			return err
		}

		updates := map[string]any{
			"message_count": gorm.Expr("message_count + ?", 2),
			"service":       t.Service,
			"model":         t.Model,
			"updated_at":    time.Now(),
		}
		if priorAssistant == 0 && t.Title != "" {
			updates["title"] = t.Title
		}
		if err := tx.Model(&Session{}).Where("id = ?", sess.ID).Updates(updates).Error; err != nil {
			return err
		}
		appended = true
		return nil
	})
	return appended, err
}

func (r *Repo) MessageIDByIdempotencyKey(ctx context.Context, sessionID, key string) (uint64, error) {
	var m Message
	if err := r.db.WithContext(ctx).
		Select("id").
		Where("session_id = ? AND idempotency_key = ?", sessionID, key).
		First(&m).Error; err != nil {
		return 0, err
	}
	return m.ID, nil
}

// ClearMessages deletes the user's messages (all, or only those produced by
// service), recomputes the counts of affected sessions and removes the ones left
// empty. It returns the number of deleted messages.
func (r *Repo) ClearMessages(ctx context.Context, userID uint64, service string) (int64, error) {
	var deleted int64
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		scope := func() *gorm.DB {
			q := tx.Model(&Message{}).Where("user_id = ?", userID)
			if service != "" {
				q = q.Where("service = ?", service)
			}
			return q
		}

		var affected []string
		if err := scope().Distinct("session_id").Pluck("session_id", &affected).Error; err != nil {
			return err
		}
		if len(affected) == 0 {
			return nil
		}

		res := scope().Delete(&Message{})
		if res.Error != nil {
			return res.Error
		}
		deleted = res.RowsAffected

		for _, sid := range affected {
			var left int64
			if err := tx.Model(&Message{}).Where("session_id = ?", sid).Count(&left).Error; err != nil {
				return err
			}
			if left == 0 {
				if err := tx.Where("session_id = ? AND user_id = ?", sid, userID).Delete(&Session{}).Error; err != nil {
					return err
				}
				continue
			}
			if err := tx.Model(&Session{}).
				Where("session_id = ? AND user_id = ?", sid, userID).
				UpdateColumn("message_count", left).Error; err != nil {
				return err
			}
		}
		return nil
	})
	return deleted, err
}

// Job CRUD
func (r *Repo) CreateJob(ctx context.Context, job *Job) error {
	return r.db.WithContext(ctx).Create(job).Error
}

func (r *Repo) GetJobByID(ctx context.Context, id string) (*Job, error) {
	var j Job
	if err := r.db.WithContext(ctx).First(&j, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrJobNotFound
		}
		return nil, err
	}
	return &j, nil
}

func (r *Repo) UpdateJobStatusRunning(ctx context.Context, id string) error {
	return r.db.WithContext(ctx).Model(&Job{}).
		Where("id = ? AND status = ?", id, JobQueued).
		Update("status", JobRunning).Error
}

func (r *Repo) MarkJobSucceeded(ctx context.Context, id string, assistantMsgID uint64) error {
	return r.db.WithContext(ctx).Model(&Job{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"status":            JobSucceeded,
			"result_message_id": assistantMsgID,
			"error":             nil,
		}).Error
}

func (r *Repo) MarkJobFailed(ctx context.Context, id string, errMsg string) error {
	return r.db.WithContext(ctx).Model(&Job{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"status":            JobFailed,
			"error":             errMsg,
			"result_message_id": nil,
		}).Error
}

func (r *Repo) MarkJobCanceled(ctx context.Context, id string) error {
	return r.db.WithContext(ctx).Model(&Job{}).
		Where("id = ?", id).
		Update("status", JobCanceled).Error
}

// RequeueJob puts a running job back to queued so a redelivery runs it again.
func (r *Repo) RequeueJob(ctx context.Context, id string) error {
	return r.db.WithContext(ctx).Model(&Job{}).
		Where("id = ? AND status = ?", id, JobRunning).
		Update("status", JobQueued).Error
}

func (r *Repo) GetJobByUserAndIdempotencyKey(ctx context.Context, userID uint64, key string) (*Job, error) {
	var job Job
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND idempotency_key = ?", userID, key).
		First(&job).Error
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// CreateJobOrGetExisting tries to create a job, but if (user_id, idempotency_key) already exists,
// it returns the existing job instead.
func (r *Repo) CreateJobOrGetExisting(ctx context.Context, job *Job) (*Job, bool, error) {
	if job.IdempotencyKey == nil || *job.IdempotencyKey == "" {
		job.IdempotencyKey = nil
		if err := r.CreateJob(ctx, job); err != nil {
			return nil, false, err
		}
		return job, true, nil
	}

	err := r.CreateJob(ctx, job)
	if err == nil {
		return job, true, nil
	}

	existing, getErr := r.GetJobByUserAndIdempotencyKey(ctx, job.UserID, *job.IdempotencyKey)
	if getErr == nil {
		return existing, false, nil
	}

	if errors.Is(getErr, gorm.ErrRecordNotFound) {
		return nil, false, err
	}
	return nil, false, getErr
}
