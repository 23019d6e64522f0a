package metrics

import (
	"sync"
	"testing"
)

func TestCollector_IncrementMethods(t *testing.T) {
	c := NewCollector("job-001", "kiln-source-http")

	c.IncCacheHit()
	c.IncCacheHit()
	c.IncDownload()
	c.IncDownloadFailure()
	c.IncDownloadRetry()
	c.IncDownloadRetry()
	c.IncDownloadRetry()
	c.IncChecksumMismatch()
	c.IncSecretMissing()
	c.AddBytesFetched(1024)
	c.AddBytesFetched(512)
	c.IncSignalSent()
	c.IncSignalSent()
	c.IncDecodeError()

	s := c.Snapshot()

	if s.CacheHits != 2 {
		t.Errorf("CacheHits = %d, want 2", s.CacheHits)
	}
	if s.Downloads != 1 {
		t.Errorf("Downloads = %d, want 1", s.Downloads)
	}
	if s.DownloadFailures != 1 {
		t.Errorf("DownloadFailures = %d, want 1", s.DownloadFailures)
	}
	if s.DownloadRetries != 3 {
		t.Errorf("DownloadRetries = %d, want 3", s.DownloadRetries)
	}
	if s.ChecksumMismatches != 1 {
		t.Errorf("ChecksumMismatches = %d, want 1", s.ChecksumMismatches)
	}
	if s.SecretsMissing != 1 {
		t.Errorf("SecretsMissing = %d, want 1", s.SecretsMissing)
	}
	if s.BytesFetched != 1536 {
		t.Errorf("BytesFetched = %d, want 1536", s.BytesFetched)
	}
	if s.SignalsSent != 2 {
		t.Errorf("SignalsSent = %d, want 2", s.SignalsSent)
	}
	if s.DecodeErrors != 1 {
		t.Errorf("DecodeErrors = %d, want 1", s.DecodeErrors)
	}
}

func TestCollector_Dimensions(t *testing.T) {
	c := NewCollector("job-7", "kiln-source-http")
	s := c.Snapshot()

	if s.JobID != "job-7" {
		t.Errorf("JobID = %q, want %q", s.JobID, "job-7")
	}
	if s.Module != "kiln-source-http" {
		t.Errorf("Module = %q, want %q", s.Module, "kiln-source-http")
	}
}

func TestCollector_SnapshotImmutability(t *testing.T) {
	c := NewCollector("job-001", "kiln-source-http")
	c.IncCacheHit()
	c.IncDownload()

	s1 := c.Snapshot()

	// Mutate collector after snapshot
	c.IncDownload()
	c.IncDownload()

	if s1.Downloads != 1 {
		t.Errorf("s1.Downloads = %d, want 1 (snapshot should be frozen)", s1.Downloads)
	}

	s2 := c.Snapshot()
	if s2.Downloads != 3 {
		t.Errorf("s2.Downloads = %d, want 3", s2.Downloads)
	}
}

func TestCollector_NilReceiverSafety(t *testing.T) {
	var c *Collector

	// None of these should panic
	c.IncCacheHit()
	c.IncDownload()
	c.IncDownloadFailure()
	c.IncDownloadRetry()
	c.IncChecksumMismatch()
	c.IncSecretMissing()
	c.AddBytesFetched(100)
	c.IncSignalSent()
	c.IncDecodeError()

	s := c.Snapshot()
	if s.CacheHits != 0 || s.BytesFetched != 0 {
		t.Errorf("nil collector snapshot = %+v, want zero values", s)
	}
}

func TestCollector_ConcurrentAccess(t *testing.T) {
	c := NewCollector("job-001", "kiln-source-http")
	const goroutines = 10
	const iterations = 1000

	var wg sync.WaitGroup
	wg.Add(goroutines)

	for i := 0; i < goroutines; i++ {
		go func() {
			defer wg.Done()
			for j := 0; j < iterations; j++ {
				c.IncCacheHit()
				c.IncSignalSent()
				c.AddBytesFetched(2)
			}
		}()
	}

	wg.Wait()

	s := c.Snapshot()
	want := int64(goroutines * iterations)

	if s.CacheHits != want {
		t.Errorf("CacheHits = %d, want %d", s.CacheHits, want)
	}
	if s.SignalsSent != want {
		t.Errorf("SignalsSent = %d, want %d", s.SignalsSent, want)
	}
	if s.BytesFetched != 2*want {
		t.Errorf("BytesFetched = %d, want %d", s.BytesFetched, 2*want)
	}
}

func TestSnapshot_Fields(t *testing.T) {
	c := NewCollector("job-001", "kiln-source-http")
	c.IncDownload()
	c.AddBytesFetched(42)

	fields := c.Snapshot().Fields()
	if fields["downloads"] != int64(1) {
		t.Errorf("fields[downloads] = %v, want 1", fields["downloads"])
	}
	if fields["bytes_fetched"] != int64(42) {
		t.Errorf("fields[bytes_fetched] = %v, want 42", fields["bytes_fetched"])
	}
}
