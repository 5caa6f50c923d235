package s3

import (
	"context"
	"testing"
)

func TestEncodeSHA256(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    string
		wantErr bool
	}{
		{name: "empty", wantErr: true},
		{name: "not hex", in: "zz", wantErr: true},
		{name: "digest", in: "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855", want: "47DEQpj8HBSa+/TImW+5JCeuQeRkm5NMpJWZG3hSuFU="},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := encodeSHA256(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("encodeSHA256() error = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Fatalf("encodeSHA256() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestNewClientValidates(t *testing.T) {
	cases := []Config{
		{AccessKey: "a", SecretKey: "b"},
		{Endpoint: "localhost:8333", AccessKey: "a"},
		{Endpoint: "localhost:8333", SecretKey: "b"},
	}
	for i, cfg := range cases {
		if _, err := NewClient(context.Background(), cfg); err == nil {
			t.Fatalf("case %d: expected error", i)
		}
	}
}
