package main

import "testing"

func TestListenPort(t *testing.T) {
	tests := []struct {
		addr    string
		want    int
		wantErr bool
	}{
		{":8765", 8765, false},
		{"127.0.0.1:9000", 9000, false},
		{"[::1]:80", 80, false},
		{"8765", 0, true},
		{":http", 0, true},
		{":0", 0, true},
		{":70000", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.addr, func(t *testing.T) {
			got, err := listenPort(tt.addr)
			if (err != nil) != tt.wantErr {
				t.Fatalf("listenPort(%q) error = %v, wantErr %v", tt.addr, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("listenPort(%q) = %d, want %d", tt.addr, got, tt.want)
			}
		})
	}
}
