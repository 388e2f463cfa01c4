package postgres

import (
	"strings"
	"testing"
	"time"

	"github.com/Masterminds/squirrel"

	"github.com/splax/morphlink/internal/domain"
)

func TestApplyClickFilterBuildsDollarPlaceholders(t *testing.T) {
	since := time.Date(2025, time.March, 1, 0, 0, 0, 0, time.UTC)
	builder := applyClickFilter(squirrel.Select("short_code").From(clicksTable), domain.ClickFilter{
		ShortCodes: []string{"abc", "def"},
		Since:      since,
	})
	sql, args, err := builder.PlaceholderFormat(squirrel.Dollar).ToSql()
	if err != nil {
		t.Fatalf("to sql: %v", err)
	}
	if !strings.Contains(sql, "short_code IN ($1,$2)") {
		t.Fatalf("expected IN clause, got %s", sql)
	}
	if !strings.Contains(sql, "clicked_at >= $3") {
		t.Fatalf("expected since clause, got %s", sql)
	}
	if len(args) != 3 {
		t.Fatalf("expected 3 args, got %d", len(args))
	}
}

func TestApplyClickFilterEmpty(t *testing.T) {
	builder := applyClickFilter(squirrel.Select("id").From(clicksTable), domain.ClickFilter{})
	sql, args, err := builder.ToSql()
	if err != nil {
		t.Fatalf("to sql: %v", err)
	}
	if strings.Contains(sql, "WHERE") || len(args) != 0 {
		t.Fatalf("expected no where clause, got %s %v", sql, args)
	}
}
