package main

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/nconghau/lsmkv/internal/lsm"
	"github.com/pkg/errors"
	"github.com/prometheus/common/expfmt"
)

// maxRangeRows caps what the shell prints for one range query.
const maxRangeRows = 1000

// session is the state shared by every command of one invocation.
type session struct {
	db    *lsm.LSMEngine
	out   io.Writer
	txnID string
}

type command struct {
	name      string
	usage     string
	argsUsage string
	// nargs is the number of arguments; the last one keeps its spaces.
	nargs    int
	optional bool
	run      func(s *session, args []string) error
}

var commands = []command{
	{name: "put", usage: "Store a value", argsUsage: "<key> <value>", nargs: 2, run: cmdPut},
	{name: "get", usage: "Read a value", argsUsage: "<key>", nargs: 1, run: cmdGet},
	{name: "delete", usage: "Delete a key", argsUsage: "<key>", nargs: 1, run: cmdDelete},
	{name: "range", usage: "List live pairs with start <= key <= end", argsUsage: "<start> <end>", nargs: 2, run: cmdRange},
	{name: "stats", usage: "Show engine statistics", run: cmdStats},
	{name: "metrics", usage: "Print metrics in Prometheus text format", run: cmdMetrics},
	{name: "flush", usage: "Write the MemTable to a level-0 SSTable", run: cmdFlush},
	{name: "compact", usage: "Flush and run a full compaction pass", run: cmdCompact},
	{name: "metadata", usage: "Count stored records per SSTable", run: cmdMetadata},
	{name: "count", usage: "Count live keys", run: cmdCount},
	{name: "dump", usage: "Export live pairs as JSON lines", argsUsage: "[file]", nargs: 1, optional: true, run: cmdDump},
	{name: "restore", usage: "Import a dump file", argsUsage: "<file>", nargs: 1, run: cmdRestore},
}

func findCommand(name string) (command, bool) {
	name = strings.ToLower(name)
	for _, c := range commands {
		if c.name == name {
			return c, true
		}
	}
	return command{}, false
}

// call checks the argument count and runs c.
func (c command) call(s *session, args []string) error {
	if len(args) < c.nargs && !c.optional {
		return errors.Errorf("usage: %s %s", c.name, c.argsUsage)
	}
	if c.nargs > 0 && len(args) > c.nargs {
		args = append(args[:c.nargs-1:c.nargs-1], strings.Join(args[c.nargs-1:], " "))
	}
	return c.run(s, args)
}

func cmdPut(s *session, args []string) error {
	if err := s.db.Put([]byte(args[0]), []byte(args[1]), s.txnID); err != nil {
		return errors.Wrap(err, "put")
	}
	fmt.Fprintln(s.out, "OK")
	return nil
}

func cmdGet(s *session, args []string) error {
	val, err := s.db.Get([]byte(args[0]), s.txnID)
	if errors.Is(err, lsm.ErrNotFound) {
		fmt.Fprintln(s.out, ColorRed+"(not found)"+ColorReset)
		return nil
	}
	if err != nil {
		return errors.Wrap(err, "get")
	}
	fmt.Fprintln(s.out, prettyValue(val))
	return nil
}

func cmdDelete(s *session, args []string) error {
	if err := s.db.Delete([]byte(args[0]), s.txnID); err != nil {
		return errors.Wrap(err, "delete")
	}
	fmt.Fprintln(s.out, "OK")
	return nil
}

func cmdRange(s *session, args []string) error {
	kvs, err := s.db.RangeQuery([]byte(args[0]), []byte(args[1]), s.txnID)
	if err != nil {
		return errors.Wrap(err, "range")
	}
	for i, kv := range kvs {
		if i >= maxRangeRows {
			fmt.Fprintf(s.out, "... (results truncated at %d of %d)\n", maxRangeRows, len(kvs))
			break
		}
		fmt.Fprintf(s.out, "%s%s%s = %s\n", ColorCyan, kv.Key, ColorReset, kv.Value)
	}
	fmt.Fprintf(s.out, "(%d rows)\n", len(kvs))
	return nil
}

func cmdStats(s *session, _ []string) error {
	return printJSON(s.out, s.db.Stats())
}

func cmdMetrics(s *session, _ []string) error {
	g := s.db.Registry()
	if g == nil {
		return printJSON(s.out, s.db.GetMetrics())
	}
	mfs, err := g.Gather()
	if err != nil {
		return errors.Wrap(err, "gather metrics")
	}
	for _, mf := range mfs {
		if _, err := expfmt.MetricFamilyToText(s.out, mf); err != nil {
			return errors.Wrap(err, "write metrics")
		}
	}
	return nil
}

func cmdFlush(s *session, _ []string) error {
	if err := s.db.Flush(); err != nil {
		return errors.Wrap(err, "flush")
	}
	fmt.Fprintln(s.out, "Flush complete")
	return nil
}

func cmdCompact(s *session, _ []string) error {
	start := time.Now()
	if err := s.db.Compact(); err != nil {
		return errors.Wrap(err, "compact")
	}
	fmt.Fprintf(s.out, "Compaction complete in %s\n", time.Since(start).Round(time.Millisecond))
	return nil
}

func cmdMetadata(s *session, _ []string) error {
	md := s.db.Metadata()
	names := make([]string, 0, len(md.Files))
	for name := range md.Files {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(s.out, "  %-20s %d\n", name, md.Files[name])
	}
	fmt.Fprintf(s.out, "Total records: %d\n", md.TotalRecords)
	return nil
}

func cmdCount(s *session, _ []string) error {
	n, err := s.db.CountLive()
	if err != nil {
		return errors.Wrap(err, "count")
	}
	fmt.Fprintln(s.out, n)
	return nil
}

func cmdDump(s *session, args []string) error {
	file := fmt.Sprintf("dump_%s.jsonl", time.Now().Format("150405_02012006"))
	if len(args) > 0 && args[0] != "" {
		file = args[0]
	}
	n, err := s.db.Dump(file)
	if err != nil {
		return err
	}
	fmt.Fprintf(s.out, "Dumped %d records to %s\n", n, file)
	return nil
}

func cmdRestore(s *session, args []string) error {
	n, err := s.db.Restore(args[0])
	if err != nil {
		return errors.Wrapf(err, "restore (%d records applied)", n)
	}
	fmt.Fprintf(s.out, "Restored %d records from %s\n", n, args[0])
	return nil
}

// --- utils ---

// prettyValue indents JSON values and prints anything else as is.
func prettyValue(b []byte) string {
	var v interface{}
	if err := json.Unmarshal(b, &v); err != nil {
		return string(b)
	}
	if _, ok := v.(map[string]interface{}); !ok {
		return string(b)
	}
	out, _ := json.MarshalIndent(v, "", "  ")
	return string(out)
}

func printJSON(w io.Writer, v interface{}) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(out))
	return err
}

// splitArgs splits a string into N parts (N-1 splits), keeping the last
// part intact.
func splitArgs(s string, n int) []string {
	parts := make([]string, 0, n)
	if n == 0 {
		return parts
	}
	s = strings.TrimSpace(s)
	for i := 0; i < n-1; i++ {
		idx := strings.IndexAny(s, " \t")
		if idx < 0 {
			if s = strings.TrimSpace(s); s != "" {
				parts = append(parts, s)
			}
			return parts
		}
		parts = append(parts, strings.TrimSpace(s[:idx]))
		s = strings.TrimSpace(s[idx+1:])
	}
	if s != "" {
		parts = append(parts, s)
	}
	return parts
}
