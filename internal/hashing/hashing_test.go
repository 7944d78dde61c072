package hashing

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"drop-go/internal/config"
)

func TestStreamHasher_Hash(t *testing.T) {
	tests := []struct {
		name   string
		hasher *StreamHasher
		input  string
		want   string
	}{
		{
			name:   "sha256 empty",
			hasher: NewSHA256(0),
			input:  "",
			want:   "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855",
		},
		{
			name:   "sha256 hello",
			hasher: NewSHA256(0),
			input:  "hello",
			want:   "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824",
		},
		{
			name:   "sha256 tiny chunks",
			hasher: NewSHA256(1),
			input:  "hello",
			want:   "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824",
		},
		{
			name:   "blake3 empty",
			hasher: NewBLAKE3(0),
			input:  "",
			want:   "af1349b9f5f9a1a6a0404dea36dcc9499bcb25c9adc112b7cc9a93cae41f3262",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.hasher.Hash(context.Background(), strings.NewReader(tt.input))
			if err != nil {
				t.Fatalf("Hash() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("Hash() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestStreamHasher_BLAKE3ChunkingStable(t *testing.T) {
	data := strings.Repeat("drop", 50000)

	small, err := NewBLAKE3(7).Hash(context.Background(), strings.NewReader(data))
	if err != nil {
		t.Fatalf("Hash() error = %v", err)
	}
	large, err := NewBLAKE3(0).Hash(context.Background(), strings.NewReader(data))
	if err != nil {
		t.Fatalf("Hash() error = %v", err)
	}
	if small != large {
		t.Errorf("digest depends on chunk size: %s != %s", small, large)
	}
	if len(small) != 64 {
		t.Errorf("len(digest) = %d, want 64", len(small))
	}
}

type failingReader struct{ err error }

func (r failingReader) Read([]byte) (int, error) { return 0, r.err }

func TestStreamHasher_ReadError(t *testing.T) {
	boom := errors.New("disk on fire")
	_, err := NewSHA256(0).Hash(context.Background(), io.MultiReader(strings.NewReader("abc"), failingReader{boom}))
	if !errors.Is(err, boom) {
		t.Fatalf("Hash() error = %v, want %v", err, boom)
	}
}

func TestStreamHasher_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewSHA256(0).Hash(ctx, strings.NewReader("abc"))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Hash() error = %v, want context.Canceled", err)
	}
}

func TestNewHasherFromConfig(t *testing.T) {
	tests := []struct {
		algorithm string
		want      string
		wantErr   bool
	}{
		{algorithm: "", want: "sha256"},
		{algorithm: "sha256", want: "sha256"},
		{algorithm: "blake3", want: "blake3"},
		{algorithm: "md5", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.algorithm, func(t *testing.T) {
			h, err := NewHasherFromConfig(config.HashingConfig{Algorithm: tt.algorithm})
			if tt.wantErr {
				if err == nil {
					t.Fatal("NewHasherFromConfig() expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("NewHasherFromConfig() error = %v", err)
			}
			if h.Algorithm() != tt.want {
				t.Errorf("Algorithm() = %q, want %q", h.Algorithm(), tt.want)
			}
		})
	}
}
