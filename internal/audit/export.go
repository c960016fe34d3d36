package audit

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"ProctorStream/internal/model"
)

// Format 导出格式
type Format string

const (
	FormatYAML Format = "yaml"
	FormatJSON Format = "json"
)

// ParseFormat 解析格式名，空字符串默认为 yaml
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "yaml", "yml":
		return FormatYAML, nil
	case "json":
		return FormatJSON, nil
	default:
		return "", fmt.Errorf("%w: unsupported export format %q", model.ErrInvalidInput, s)
	}
}

// ContentType HTTP 响应类型
func (f Format) ContentType() string {
	if f == FormatJSON {
		return "application/json"
	}
	return "application/yaml"
}

// KindSummary 单个告警类型的汇总
type KindSummary struct {
	Kind        model.Kind     `json:"kind" yaml:"kind"`
	Severity    model.Severity `json:"severity" yaml:"severity"`
	Occurrences int            `json:"occurrences" yaml:"occurrences"`
}

// Record 审计记录
type Record struct {
	ExportedAt     time.Time     `json:"exported_at" yaml:"exported_at"`
	Session        model.Session `json:"session" yaml:"session"`
	ElapsedSeconds float64       `json:"elapsed_seconds" yaml:"elapsed_seconds"`
	Occurrences    int           `json:"total_occurrences" yaml:"total_occurrences"`
	ByKind         []KindSummary `json:"by_kind,omitempty" yaml:"by_kind,omitempty"`
}

// NewRecord 由会话快照生成审计记录
func NewRecord(s model.Session, now time.Time) Record {
	rec := Record{
		ExportedAt:     now.UTC(),
		Session:        s,
		ElapsedSeconds: s.Elapsed(now).Seconds(),
	}

	// 告警日志按首次出现排序，汇总按优先级排序
	for _, kind := range model.AlertKinds {
		for _, a := range s.Alerts {
			if a.Kind != kind {
				continue
			}
			rec.ByKind = append(rec.ByKind, KindSummary{Kind: a.Kind, Severity: a.Severity, Occurrences: a.Occurrences})
			rec.Occurrences += a.Occurrences
		}
	}
	return rec
}

// Render 以指定格式写出会话审计记录
func Render(w io.Writer, s model.Session, format Format) error {
	rec := NewRecord(s, time.Now())

	switch format {
	case FormatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if err := enc.Encode(rec); err != nil {
			return fmt.Errorf("encode json: %w", err)
		}
	case FormatYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(rec); err != nil {
			return fmt.Errorf("encode yaml: %w", err)
		}
		if err := enc.Close(); err != nil {
			return fmt.Errorf("encode yaml: %w", err)
		}
	default:
		return fmt.Errorf("%w: unsupported export format %q", model.ErrInvalidInput, format)
	}
	return nil
}
