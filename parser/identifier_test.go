package parser

import (
	"errors"
	"testing"
)

func TestDeriveASIN(t *testing.T) {
	tests := []struct {
		name    string
		url     string
		want    string
		wantErr bool
	}{
		{
			name: "dp with ref suffix",
			url:  "https://www.amazon.com/Echo-Dot-2nd-Generation/dp/B01DFKC2SO/ref=sr_1_1?ie=UTF8",
			want: "B01DFKC2SO",
		},
		{
			name: "dp as last segment",
			url:  "https://www.amazon.com/dp/B01DFKC2SO",
			want: "B01DFKC2SO",
		},
		{
			name: "last segment with query",
			url:  "https://www.amazon.com/product-reviews/B01DFKC2SO?pageNumber=2",
			want: "B01DFKC2SO",
		},
		{
			name: "trailing slash",
			url:  "https://www.amazon.com/Echo/dp/B01DFKC2SO/",
			want: "B01DFKC2SO",
		},
		{
			name:    "no path",
			url:     "https://www.amazon.com/",
			wantErr: true,
		},
		{
			name:    "no slash at all",
			url:     "B01DFKC2SO",
			wantErr: true,
		},
		{
			name:    "short identifier",
			url:     "https://www.amazon.com/dp/B01",
			wantErr: true,
		},
		{
			name:    "punctuation in identifier",
			url:     "https://www.amazon.com/dp/B01-FKC2SO",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DeriveASIN(tt.url)
			if tt.wantErr {
				var invalid ErrInvalidIdentifier
				if !errors.As(err, &invalid) {
					t.Fatalf("expected ErrInvalidIdentifier, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("DeriveASIN(%q): %v", tt.url, err)
			}
			if got != tt.want {
				t.Fatalf("DeriveASIN(%q) = %q, want %q", tt.url, got, tt.want)
			}
		})
	}
}

func TestDeriveASINDeterministic(t *testing.T) {
	urls := []string{
		"https://www.amazon.com/Echo-Dot-2nd-Generation/dp/B01DFKC2SO/ref=sr_1_1",
		"https://www.amazon.co.uk/dp/B00X4WHP5E",
		"https://www.amazon.de/gp/product/B07PGL2ZSL?th=1",
	}
	for _, u := range urls {
		first, err := DeriveASIN(u)
		if err != nil {
			t.Fatalf("DeriveASIN(%q): %v", u, err)
		}
		for i := 0; i < 5; i++ {
			again, err := DeriveASIN(u)
			if err != nil || again != first {
				t.Fatalf("DeriveASIN(%q) not deterministic: %q vs %q (%v)", u, first, again, err)
			}
		}
		if len(first) != ASINLength {
			t.Fatalf("DeriveASIN(%q) length = %d", u, len(first))
		}
	}
}

func TestNewProductHandle(t *testing.T) {
	h, err := NewProductHandle("https://www.amazon.com/dp/B01DFKC2SO", "  Echo Dot ")
	if err != nil {
		t.Fatalf("new handle: %v", err)
	}
	if h.ASIN != "B01DFKC2SO" || h.Name != "Echo Dot" || h.URL == "" {
		t.Fatalf("unexpected handle: %+v", h)
	}

	if _, err := NewProductHandleFromASIN("B01DFKC2SO", ""); err != nil {
		t.Fatalf("handle from asin: %v", err)
	}
	if _, err := NewProductHandleFromASIN("nope", ""); err == nil {
		t.Fatalf("expected invalid identifier error")
	}
}
