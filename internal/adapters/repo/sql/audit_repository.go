package sql

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/bnema/interpreter-scheduler/internal/domain"
	"github.com/bnema/interpreter-scheduler/internal/ports"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// assignmentLogRecord flattens the nested parts of an AssignmentLog into JSON text columns.
type assignmentLogRecord struct {
	ID            string    `gorm:"primaryKey;size:36"`
	BookingID     string    `gorm:"index;size:128;not null"`
	InterpreterID string    `gorm:"index;size:128"`
	MeetingType   string    `gorm:"size:32"`
	EnvironmentID string    `gorm:"size:128"`
	Outcome       string    `gorm:"index;size:32;not null"`
	Reason        string    `gorm:"size:64"`
	Message       string    `gorm:"type:text"`
	Trigger       string    `gorm:"column:trigger_source;size:32"`
	Actor         string    `gorm:"size:128"`
	PreWorkload   string    `gorm:"type:text"`
	PostWorkload  string    `gorm:"type:text"`
	Scores        string    `gorm:"type:text"`
	Conflicts     string    `gorm:"type:text"`
	DR            string    `gorm:"column:dr_decision;type:text"`
	Pool          string    `gorm:"column:pool_snapshot;type:text"`
	Timings       string    `gorm:"type:text"`
	System        string    `gorm:"column:system_snapshot;type:text"`
	CreatedAt     time.Time `gorm:"index;not null"`
}

func (assignmentLogRecord) TableName() string {
	return "assignment_logs"
}

// AuditRepository is append-only: it exposes no update or delete path.
type AuditRepository struct {
	db *gorm.DB
}

var _ ports.AssignmentLogRepository = (*AuditRepository)(nil)

func NewAuditRepository(db *gorm.DB) *AuditRepository {
	return &AuditRepository{db: db}
}

func (r *AuditRepository) Append(ctx context.Context, log domain.AssignmentLog) error {
	if log.ID == "" {
		log.ID = uuid.NewString()
	}
	if log.CreatedAt.IsZero() {
		log.CreatedAt = time.Now()
	}

	record, err := toRecord(log)
	if err != nil {
		return err
	}

	if err := r.db.WithContext(ctx).Create(&record).Error; err != nil {
		return fmt.Errorf("append assignment log %s: %w", log.ID, err)
	}
	return nil
}

func (r *AuditRepository) List(ctx context.Context, from, to time.Time) ([]domain.AssignmentLog, error) {
	var records []assignmentLogRecord
	err := r.db.WithContext(ctx).
		Where("created_at >= ? AND created_at < ?", from.UTC(), to.UTC()).
		Order("created_at ASC").
		Order("id ASC").
		Find(&records).Error
	if err != nil {
		return nil, fmt.Errorf("list assignment logs: %w", err)
	}

	logs := make([]domain.AssignmentLog, 0, len(records))
	for _, record := range records {
		log, err := fromRecord(record)
		if err != nil {
			return nil, err
		}
		logs = append(logs, log)
	}
	return logs, nil
}

func (r *AuditRepository) Count(ctx context.Context) (int64, error) {
	var count int64
	if err := r.db.WithContext(ctx).Model(&assignmentLogRecord{}).Count(&count).Error; err != nil {
		return 0, fmt.Errorf("count assignment logs: %w", err)
	}
	return count, nil
}

func toRecord(log domain.AssignmentLog) (assignmentLogRecord, error) {
	record := assignmentLogRecord{
		ID:            log.ID,
		BookingID:     string(log.BookingID),
		InterpreterID: string(log.InterpreterID),
		MeetingType:   string(log.MeetingType),
		EnvironmentID: string(log.EnvironmentID),
		Outcome:       string(log.Outcome),
		Reason:        log.Reason,
		Message:       log.Message,
		Trigger:       string(log.Trigger),
		Actor:         log.Actor,
		CreatedAt:     log.CreatedAt.UTC(),
	}

	columns := []struct {
		name  string
		value any
		dst   *string
	}{
		{"pre_workload", log.PreWorkload, &record.PreWorkload},
		{"post_workload", log.PostWorkload, &record.PostWorkload},
		{"scores", log.Scores, &record.Scores},
		{"conflicts", log.Conflicts, &record.Conflicts},
		{"dr_decision", log.DR, &record.DR},
		{"pool_snapshot", log.Pool, &record.Pool},
		{"timings", log.Timings, &record.Timings},
		{"system_snapshot", log.System, &record.System},
	}
	for _, column := range columns {
		data, err := json.Marshal(column.value)
		if err != nil {
			return assignmentLogRecord{}, fmt.Errorf("encode %s of assignment log %s: %w", column.name, log.ID, err)
		}
		*column.dst = string(data)
	}

	return record, nil
}

func fromRecord(record assignmentLogRecord) (domain.AssignmentLog, error) {
	log := domain.AssignmentLog{
		ID:            record.ID,
		BookingID:     domain.BookingID(record.BookingID),
		InterpreterID: domain.InterpreterID(record.InterpreterID),
		MeetingType:   domain.MeetingType(record.MeetingType),
		EnvironmentID: domain.EnvironmentID(record.EnvironmentID),
		Outcome:       domain.AssignmentOutcome(record.Outcome),
		Reason:        record.Reason,
		Message:       record.Message,
		Trigger:       domain.Trigger(record.Trigger),
		Actor:         record.Actor,
		CreatedAt:     record.CreatedAt.UTC(),
	}

	columns := []struct {
		name string
		raw  string
		dst  any
	}{
		{"pre_workload", record.PreWorkload, &log.PreWorkload},
		{"post_workload", record.PostWorkload, &log.PostWorkload},
		{"scores", record.Scores, &log.Scores},
		{"conflicts", record.Conflicts, &log.Conflicts},
		{"dr_decision", record.DR, &log.DR},
		{"pool_snapshot", record.Pool, &log.Pool},
		{"timings", record.Timings, &log.Timings},
		{"system_snapshot", record.System, &log.System},
	}
	for _, column := range columns {
		if column.raw == "" {
			continue
		}
		if err := json.Unmarshal([]byte(column.raw), column.dst); err != nil {
			return domain.AssignmentLog{}, fmt.Errorf("decode %s of assignment log %s: %w", column.name, record.ID, err)
		}
	}

	return log, nil
}
