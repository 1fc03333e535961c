package l4proxy

import (
	"fmt"
	"io"
	"sync/atomic"
)

// note: accept results with a reject_ prefix are client/ruleset problems,
// fail_ ones are likely host or backend problems

type proxyMetrics struct {
	accepts_total struct {
		success             atomic.Uint64
		reject_no_origdst   atomic.Uint64
		reject_self_connect atomic.Uint64
		fail_accept         atomic.Uint64
		fail_lookup         atomic.Uint64
		fail_connect        atomic.Uint64
		fail_pair           atomic.Uint64
	}
	pairs_active       atomic.Int64
	pairs_closed_total struct {
		done           atomic.Uint64
		connect_failed atomic.Uint64
		io_error       atomic.Uint64
		shutdown       atomic.Uint64
	}
	relay_bytes struct {
		in  atomic.Uint64
		out atomic.Uint64
	}
	connlog struct {
		written atomic.Uint64
		dropped atomic.Uint64
		failed  atomic.Uint64
	}
}

// WritePrometheus writes prometheus text metrics to w.
func (m *proxyMetrics) WritePrometheus(w io.Writer) {
	fmt.Fprintln(w, `l4proxy_accepts_total{result="success"}`, m.accepts_total.success.Load())
	fmt.Fprintln(w, `l4proxy_accepts_total{result="reject_no_origdst"}`, m.accepts_total.reject_no_origdst.Load())
	fmt.Fprintln(w, `l4proxy_accepts_total{result="reject_self_connect"}`, m.accepts_total.reject_self_connect.Load())
	fmt.Fprintln(w, `l4proxy_accepts_total{result="fail_accept"}`, m.accepts_total.fail_accept.Load())
	fmt.Fprintln(w, `l4proxy_accepts_total{result="fail_lookup"}`, m.accepts_total.fail_lookup.Load())
	fmt.Fprintln(w, `l4proxy_accepts_total{result="fail_connect"}`, m.accepts_total.fail_connect.Load())
	fmt.Fprintln(w, `l4proxy_accepts_total{result="fail_pair"}`, m.accepts_total.fail_pair.Load())
	fmt.Fprintln(w, `l4proxy_pairs_active`, m.pairs_active.Load())
	fmt.Fprintln(w, `l4proxy_pairs_closed_total{reason="done"}`, m.pairs_closed_total.done.Load())
	fmt.Fprintln(w, `l4proxy_pairs_closed_total{reason="connect_failed"}`, m.pairs_closed_total.connect_failed.Load())
	fmt.Fprintln(w, `l4proxy_pairs_closed_total{reason="io_error"}`, m.pairs_closed_total.io_error.Load())
	fmt.Fprintln(w, `l4proxy_pairs_closed_total{reason="shutdown"}`, m.pairs_closed_total.shutdown.Load())
	fmt.Fprintln(w, `l4proxy_relay_bytes{direction="in"}`, m.relay_bytes.in.Load())
	fmt.Fprintln(w, `l4proxy_relay_bytes{direction="out"}`, m.relay_bytes.out.Load())
	fmt.Fprintln(w, `l4proxy_connlog_records_total{result="written"}`, m.connlog.written.Load())
	fmt.Fprintln(w, `l4proxy_connlog_records_total{result="dropped"}`, m.connlog.dropped.Load())
	fmt.Fprintln(w, `l4proxy_connlog_records_total{result="failed"}`, m.connlog.failed.Load())
}
