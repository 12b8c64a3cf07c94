package chunking

import (
	"testing"
)

func planChunker(maxSeconds, overlapSeconds float64) *Chunker {
	return New("ffmpeg", maxSeconds, overlapSeconds)
}

func TestPlanSingleChunkWhenShort(t *testing.T) {
	t.Parallel()

	c := planChunker(300, 10)
	spans := c.Plan(120, nil)

	if len(spans) != 1 {
		t.Fatalf("Plan() returned %d spans, want 1", len(spans))
	}
	if spans[0].Start != 0 || spans[0].End != 120 {
		t.Errorf("Plan() span = %+v, want [0, 120]", spans[0])
	}
}

func TestPlanCoversWholeDurationNoSilence(t *testing.T) {
	t.Parallel()

	const duration = 620.0
	c := planChunker(300, 10)
	spans := c.Plan(duration, nil)

	if spans[0].Start != 0 {
		t.Errorf("first span start = %v, want 0", spans[0].Start)
	}
	if spans[len(spans)-1].End != duration {
		t.Errorf("last span end = %v, want %v", spans[len(spans)-1].End, duration)
	}
	for i := 1; i < len(spans); i++ {
		if spans[i].Start >= spans[i-1].End {
			t.Errorf("gap between span %d (%+v) and %d (%+v)", i-1, spans[i-1], i, spans[i])
		}
	}
}

func TestPlanOverlapAtLeastConfigured(t *testing.T) {
	t.Parallel()

	const overlap = 10.0
	c := planChunker(300, overlap)
	spans := c.Plan(900, nil)

	for i := 1; i < len(spans); i++ {
		gotOverlap := spans[i-1].End - spans[i].Start
		if gotOverlap < overlap-0.001 {
			t.Errorf("overlap between span %d and %d = %v, want >= %v", i-1, i, gotOverlap, overlap)
		}
	}
}

func TestPlanSearchWindowWidthIndependentOfIndex(t *testing.T) {
	t.Parallel()

	// With silences placed exactly at the edges of every window, the
	// selected split must always land inside [target-0.2M, target+0.1M],
	// regardless of how many chunks precede it.
	const maxChunk = 300.0
	c := planChunker(maxChunk, 10)

	var silences []SilencePoint
	for sec := 0.0; sec < 3000; sec += 5 {
		silences = append(silences, SilencePoint{Start: sec, End: sec + 0.4})
	}

	spans := c.Plan(3000, silences)
	for i, span := range spans[:len(spans)-1] {
		targetEnd := span.Start + maxChunk
		lo := targetEnd - 0.2*maxChunk
		hi := targetEnd + 0.1*maxChunk
		if span.End < lo-0.01 || span.End > hi+0.01 {
			t.Errorf("span %d end = %v, want within [%v, %v]", i, span.End, lo, hi)
		}
	}
}

func TestPlanMergesShortTrailingSpan(t *testing.T) {
	t.Parallel()

	// D = 300.5, M = 300, O = 10: the naive trailing remainder would be
	// only 10.5s, shorter than overlap+1s, so it must merge into the
	// previous chunk rather than being emitted as its own short chunk.
	c := planChunker(300, 10)
	spans := c.Plan(300.5, nil)

	if len(spans) != 1 {
		t.Fatalf("Plan(300.5) returned %d spans, want 1 merged span, got %+v", len(spans), spans)
	}
	if spans[0].End != 300.5 {
		t.Errorf("merged span end = %v, want 300.5", spans[0].End)
	}
}

func TestPlanMergesShortTrailingSpanAcrossOverlapBoundary(t *testing.T) {
	t.Parallel()

	// D = 305, M = 300, O = 10 (spec scenario S3): the naive trailing span
	// is (290, 305), a 15s Duration() that already includes the 10s
	// overlap — its actual new coverage is only 305-300 = 5s, well under
	// overlap+1s, so it must still merge into a single (0, 305) span.
	c := planChunker(300, 10)
	spans := c.Plan(305, nil)

	if len(spans) != 1 {
		t.Fatalf("Plan(305) returned %d spans, want 1 merged span, got %+v", len(spans), spans)
	}
	if spans[0].Start != 0 || spans[0].End != 305 {
		t.Errorf("merged span = %+v, want {Start:0 End:305}", spans[0])
	}
}

func TestBestSplitFallsBackToTargetEnd(t *testing.T) {
	t.Parallel()

	got := bestSplit(nil, 10, 20, 15)
	if got != 15 {
		t.Errorf("bestSplit with no silences = %v, want target 15", got)
	}
}

func TestBestSplitPicksNearestMidpoint(t *testing.T) {
	t.Parallel()

	silences := []SilencePoint{
		{Start: 9.0, End: 9.2},  // mid 9.1
		{Start: 14.8, End: 15.2}, // mid 15.0, exact target
		{Start: 19.0, End: 19.4}, // mid 19.2
	}
	got := bestSplit(silences, 10, 20, 15)
	if got != 15.0 {
		t.Errorf("bestSplit = %v, want 15.0 (exact target match)", got)
	}
}

func TestParseSilencesAndDuration(t *testing.T) {
	t.Parallel()

	output := "Duration: 00:10:00.00, start: 0.000000, bitrate: 256 kb/s\n" +
		"[silencedetect @ 0x1] silence_start: 42.1\n" +
		"[silencedetect @ 0x1] silence_end: 43.4 | silence_duration: 1.3\n"

	duration, err := parseDuration(output)
	if err != nil {
		t.Fatalf("parseDuration() error = %v", err)
	}
	if duration != 600 {
		t.Errorf("parseDuration() = %v, want 600", duration)
	}

	silences := parseSilences(output)
	if len(silences) != 1 {
		t.Fatalf("parseSilences() returned %d points, want 1", len(silences))
	}
	if silences[0].Start != 42.1 || silences[0].End != 43.4 {
		t.Errorf("parseSilences()[0] = %+v, want {42.1 43.4}", silences[0])
	}
}
