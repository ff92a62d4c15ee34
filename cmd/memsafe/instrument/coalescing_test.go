package instrument

import "testing"

func TestCoalesce(t *testing.T) {
	tests := []struct {
		name      string
		body      string
		reads     int
		writes    int
		coalesced int
	}{
		{name: "increment", body: "a[i] = a[i] + 1", writes: 1, coalesced: 1},
		{name: "op-assign", body: "a[i] += 1", writes: 1},
		{name: "repeated read", body: "x = a[i] * a[i]", reads: 1, coalesced: 1},
		{name: "different index", body: "a[i] = a[j]", reads: 1, writes: 1},
		{name: "call in between", body: "a[i] = a[i] + f()", reads: 1, writes: 1},
		{name: "receive", body: "a[i] = a[i] + <-ch", reads: 1, writes: 1},
		{name: "conversion is not a call", body: "a[i] = int(uint8(a[i]))", writes: 1, coalesced: 1},
		{name: "len is not a call", body: "a[i] = a[i] + len(a)", writes: 1, coalesced: 1},
		{name: "separate statements", body: "a[i] = 1\n\tx = a[i]", reads: 1, writes: 1},
		{name: "pointer", body: "*p = *p + 1", writes: 1, coalesced: 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := "package p\n\nfunc f() int { return 0 }\n\nfunc g(a []int, i, j, x int, p *int, ch chan int) {\n\t" +
				tt.body + "\n\t_, _ = x, ch\n}\n"
			res := instrumentSrc(t, src, Options{})
			s := res.Stats
			if s.ReadsInstrumented != tt.reads || s.WritesInstrumented != tt.writes || s.ChecksCoalesced != tt.coalesced {
				t.Errorf("reads/writes/coalesced = %d/%d/%d, want %d/%d/%d\n%s",
					s.ReadsInstrumented, s.WritesInstrumented, s.ChecksCoalesced,
					tt.reads, tt.writes, tt.coalesced, res.Code)
			}
		})
	}
}
