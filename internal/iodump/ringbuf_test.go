package iodump

import (
	"bytes"
	"math/rand/v2"
	"testing"
)

func TestNewRejectsZeroSize(t *testing.T) {
	if _, err := New(0); err == nil {
		t.Fatal("expected error for zero size")
	}
}

func TestWrapReproducesTail(t *testing.T) {
	const size = 64
	tests := []struct {
		name   string
		chunks []int
	}{
		{"empty", nil},
		{"under capacity", []int{10, 20}},
		{"exactly full", []int{32, 32}},
		{"one wrap", []int{40, 40}},
		{"many wraps", []int{17, 33, 5, 60, 64, 1, 63}},
		{"oversized chunk", []int{200}},
		{"oversized after partial", []int{10, 150, 3}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, err := New(size)
			if err != nil {
				t.Fatalf("New: %v", err)
			}
			var all []byte
			var dropped int
			seq := byte(0)
			for _, n := range tt.chunks {
				chunk := make([]byte, n)
				for i := range chunk {
					chunk[i] = seq
					seq++
				}
				all = append(all, chunk...)
				dropped += b.Write(chunk)
			}

			want := all
			if len(all) > size {
				want = all[len(all)-size:]
			}

			var out bytes.Buffer
			if _, err := b.DumpTo(&out); err != nil {
				t.Fatalf("DumpTo: %v", err)
			}
			if !bytes.Equal(out.Bytes(), want) {
				t.Errorf("dump = %v, want %v", out.Bytes(), want)
			}
			if b.Len() != 0 {
				t.Errorf("Len after dump = %d, want 0", b.Len())
			}

			wantDropped := 0
			for _, n := range tt.chunks {
				if n > size {
					wantDropped += n - size
				}
			}
			if dropped != wantDropped {
				t.Errorf("dropped = %d, want %d", dropped, wantDropped)
			}
		})
	}
}

func TestWrapRandomized(t *testing.T) {
	r := rand.New(rand.NewPCG(1, 2))
	for iter := 0; iter < 200; iter++ {
		size := 1 + r.IntN(50)
		b, _ := New(size)
		var all []byte
		for j := 0; j < r.IntN(20); j++ {
			chunk := make([]byte, r.IntN(2*size))
			for i := range chunk {
				chunk[i] = byte(r.IntN(256))
			}
			all = append(all, chunk...)
			b.Write(chunk)
		}
		want := all
		if len(all) > size {
			want = all[len(all)-size:]
		}
		if got := b.Bytes(); !bytes.Equal(got, want) {
			t.Fatalf("size %d: Bytes = %v, want %v", size, got, want)
		}
	}
}
