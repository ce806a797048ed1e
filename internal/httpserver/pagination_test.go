package httpserver

import (
	"net/http/httptest"
	"testing"
)

func TestParseOffsetParamsDefaults(t *testing.T) {
	r := httptest.NewRequest("GET", "/api/runs", nil)
	p, err := ParseOffsetParams(r)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.Page != 1 || p.PageSize != DefaultPageSize || p.Offset != 0 {
		t.Fatalf("unexpected defaults: %+v", p)
	}
}

func TestParseOffsetParamsComputesOffset(t *testing.T) {
	r := httptest.NewRequest("GET", "/api/runs?page=3&page_size=10", nil)
	p, err := ParseOffsetParams(r)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.Page != 3 || p.PageSize != 10 || p.Offset != 20 {
		t.Fatalf("unexpected params: %+v", p)
	}
}

func TestParseOffsetParamsCapsPageSize(t *testing.T) {
	r := httptest.NewRequest("GET", "/api/runs?page_size=5000", nil)
	p, err := ParseOffsetParams(r)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.PageSize != MaxPageSize {
		t.Fatalf("expected page_size capped at %d, got %d", MaxPageSize, p.PageSize)
	}
}

func TestParseOffsetParamsLimitAlias(t *testing.T) {
	r := httptest.NewRequest("GET", "/api/runs?limit=7", nil)
	p, err := ParseOffsetParams(r)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.PageSize != 7 {
		t.Fatalf("expected limit to set page_size, got %d", p.PageSize)
	}
}

func TestParseOffsetParamsRejectsInvalid(t *testing.T) {
	for _, query := range []string{"page=0", "page=x", "page_size=-1", "limit=0"} {
		r := httptest.NewRequest("GET", "/api/runs?"+query, nil)
		if _, err := ParseOffsetParams(r); err == nil {
			t.Errorf("expected error for %q", query)
		}
	}
}

func TestNewOffsetPage(t *testing.T) {
	params := OffsetParams{Page: 2, PageSize: 10, Offset: 10}
	page := NewOffsetPage([]string{"a", "b"}, params, 42)

	if page.Page != 2 || page.PageSize != 10 {
		t.Fatalf("unexpected page coordinates: %+v", page)
	}
	if page.TotalItems != 42 || page.TotalPages != 5 {
		t.Fatalf("unexpected totals: %+v", page)
	}
	if len(page.Items) != 2 {
		t.Fatalf("unexpected items: %+v", page.Items)
	}
}

func TestNewOffsetPageZeroPageSize(t *testing.T) {
	page := NewOffsetPage([]string{}, OffsetParams{}, 10)
	if page.TotalPages != 0 {
		t.Fatalf("expected 0 total pages when page_size is 0, got %d", page.TotalPages)
	}
}
