package postgres

import (
	"time"

	"github.com/jkaninda/safeshell/internal/audit"
)

func toAuditModel(rec audit.Record) AuditRecordModel {
	return AuditRecordModel{
		ID:          rec.ID,
		Tool:        rec.Tool,
		Caller:      rec.Caller,
		Verb:        rec.Verb,
		ArgCount:    rec.ArgCount,
		Status:      rec.Status,
		Kind:        rec.Kind,
		ExitCode:    rec.ExitCode,
		TimedOut:    rec.TimedOut,
		Truncated:   rec.Truncated,
		OutputBytes: rec.OutputBytes,
		DurationMS:  rec.Duration.Milliseconds(),
		CreatedAt:   rec.CreatedAt,
	}
}

func toAuditDomain(m *AuditRecordModel) audit.Record {
	return audit.Record{
		ID:          m.ID,
		Tool:        m.Tool,
		Caller:      m.Caller,
		Verb:        m.Verb,
		ArgCount:    m.ArgCount,
		Status:      m.Status,
		Kind:        m.Kind,
		ExitCode:    m.ExitCode,
		TimedOut:    m.TimedOut,
		Truncated:   m.Truncated,
		OutputBytes: m.OutputBytes,
		Duration:    time.Duration(m.DurationMS) * time.Millisecond,
		CreatedAt:   m.CreatedAt,
	}
}
