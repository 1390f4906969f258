// Command dedupvault-inspect is a read-only JSON inspection tool for a
// dedupvault data directory: Operations Log head/tail and stats, chunk and
// block index contents, GC candidate queue, and the reference Container
// Store. Its commands only read; opening the stores can still create
// missing files and apply pending page-journal records.
//
// Usage:
//
//	dedupvault-inspect --data-dir <dir> [--config <file>] <command> [args]
//	dedupvault-inspect --data-dir <dir>              Interactive REPL
//
// Geometry is read from the tunables file (--config, or
// <data-dir>/dedupvault.jsonc, or built-in defaults) and must match the
// store's creation-time values.
//
// Commands:
//
//	oplog-stats                  Log head/tail ids and per-event-type counters
//	chunk <fingerprint-hex>      Look up one chunk mapping
//	chunk-list [limit]           List chunk mappings
//	block <block-id>             Look up one block mapping
//	block-list [limit]           List block mappings
//	gc-candidates                List the GC candidate queue
//	containers                   List container addresses and commit state
package main

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/peterh/liner"
	"github.com/spf13/pflag"

	"github.com/calvinalkan/dedupvault/pkg/blockindex"
	"github.com/calvinalkan/dedupvault/pkg/chunkindex"
	"github.com/calvinalkan/dedupvault/pkg/config"
	"github.com/calvinalkan/dedupvault/pkg/container"
	"github.com/calvinalkan/dedupvault/pkg/gc"
	"github.com/calvinalkan/dedupvault/pkg/infostore"
	"github.com/calvinalkan/dedupvault/pkg/oplog"
	"github.com/calvinalkan/dedupvault/pkg/pdhi"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// flags names the data directory and, optionally, an explicit tunables
// file; geometry comes from the config file (or its defaults), which must
// match the store's creation-time values. Inspect is read-only, so opening
// each component is harmless even against a live store.
type flags struct {
	dataDir    string
	configPath string
}

func parseFlags(args []string) (*flags, []string, error) {
	fs := pflag.NewFlagSet("dedupvault-inspect", pflag.ContinueOnError)

	f := &flags{}
	fs.StringVar(&f.dataDir, "data-dir", "", "dedupvault data directory (required)")
	fs.StringVar(&f.configPath, "config", "", "tunables file (default <data-dir>/"+config.FileName+")")

	fs.Usage = func() {
		fmt.Fprintln(os.Stderr, "Usage: dedupvault-inspect --data-dir <dir> [command] [args]")
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		return nil, nil, err
	}

	if f.dataDir == "" {
		return nil, nil, errors.New("--data-dir is required")
	}

	return f, fs.Args(), nil
}

// store bundles every component inspect can read from, opened read-only in
// spirit (nothing here ever calls a mutating method except the geometry the
// components themselves require to open at all).
type store struct {
	log    *oplog.Log
	chunks *chunkindex.Index
	blocks *blockindex.Index
	g      *gc.GC
	cs     *container.DirStore

	chunkPDHI *pdhi.Index
	blockPDHI *pdhi.Index
}

func openStore(ctx context.Context, f *flags) (*store, error) {
	var (
		cfg config.Config
		err error
	)

	if f.configPath != "" {
		cfg, err = config.Load(f.configPath)
	} else {
		cfg, err = config.LoadDir(f.dataDir)
	}

	if err != nil {
		return nil, err
	}

	logOpts := oplog.Options{
		Path:                filepath.Join(f.dataDir, "oplog.fwi"),
		InfoPath:            filepath.Join(f.dataDir, "oplog.info.json"),
		Limit:               cfg.LogLimit,
		EntryWidth:          cfg.EntryWidth,
		Reserve:             cfg.LogReserve,
		LogIDUpdateInterval: cfg.LogIDUpdateInterval,
		SoftThrottle:        cfg.SoftThrottle,
		HardThrottle:        cfg.HardThrottle,
	}

	log, err := oplog.Open(logOpts)
	if err != nil {
		return nil, fmt.Errorf("open oplog: %w", err)
	}

	chunkOpts := pdhi.Options{
		Path:           filepath.Join(f.dataDir, "chunkindex.pdhi"),
		OverflowPath:   filepath.Join(f.dataDir, "chunkindex.overflow.db"),
		JournalPath:    filepath.Join(f.dataDir, "chunkindex.trans"),
		PageSize:       cfg.PageSize,
		MaxKeySize:     cfg.MaxKeySize,
		MaxValSize:     cfg.MaxValueSize,
		PageLockCount:  cfg.PageLockCount,
		CacheLineSlots: cfg.CacheLineSlots,
		ConcurrentTx:   cfg.ConcurrentTx,
		CRC:            cfg.PageCRC,
	}

	chunkPDHI, err := pdhi.Open(ctx, chunkOpts)
	if err != nil {
		_ = log.Close()
		return nil, fmt.Errorf("open chunk index: %w", err)
	}

	blockOpts := pdhi.Options{
		Path:           filepath.Join(f.dataDir, "blockindex.pdhi"),
		OverflowPath:   filepath.Join(f.dataDir, "blockindex.overflow.db"),
		JournalPath:    filepath.Join(f.dataDir, "blockindex.trans"),
		PageSize:       cfg.PageSize,
		MaxKeySize:     cfg.MaxKeySize,
		MaxValSize:     cfg.MaxValueSize,
		PageLockCount:  cfg.PageLockCount,
		CacheLineSlots: cfg.CacheLineSlots,
		ConcurrentTx:   cfg.ConcurrentTx,
		CRC:            cfg.PageCRC,
	}

	blockPDHI, err := pdhi.Open(ctx, blockOpts)
	if err != nil {
		_ = log.Close()
		_ = chunkPDHI.Close()
		return nil, fmt.Errorf("open block index: %w", err)
	}

	cs, err := container.NewDirStore(nil, filepath.Join(f.dataDir, "containers"))
	if err != nil {
		_ = log.Close()
		_ = chunkPDHI.Close()
		_ = blockPDHI.Close()
		return nil, fmt.Errorf("open container store: %w", err)
	}

	chunkInfo, err := infostore.Open(filepath.Join(f.dataDir, "chunkindex.info.json"))
	if err != nil {
		_ = log.Close()
		_ = chunkPDHI.Close()
		_ = blockPDHI.Close()
		_ = cs.Close()
		return nil, fmt.Errorf("open chunk index info store: %w", err)
	}

	chunks, err := chunkindex.Open(chunkPDHI, chunkInfo)
	if err != nil {
		_ = log.Close()
		_ = chunkPDHI.Close()
		_ = blockPDHI.Close()
		_ = cs.Close()
		return nil, fmt.Errorf("open chunk index: %w", err)
	}

	gcInst, err := gc.New(ctx, gc.Options{
		CandidatePath:      filepath.Join(f.dataDir, "gc.candidates.db"),
		InfoPath:           filepath.Join(f.dataDir, "gc.info.json"),
		Chunks:             chunks,
		Store:              cs,
		PerCandidateSlice:  time.Duration(cfg.GCCandidateSliceMS) * time.Millisecond,
		CommitPollTimeout:  time.Duration(cfg.GCCommitPollTimeoutMS) * time.Millisecond,
		CommitPollInterval: time.Duration(cfg.GCCommitPollIntervalMS) * time.Millisecond,
	})
	if err != nil {
		_ = log.Close()
		_ = chunkPDHI.Close()
		_ = blockPDHI.Close()
		_ = cs.Close()
		return nil, fmt.Errorf("open gc candidate table: %w", err)
	}

	return &store{
		log:       log,
		chunks:    chunks,
		blocks:    blockindex.Open(blockPDHI, log),
		g:         gcInst,
		cs:        cs,
		chunkPDHI: chunkPDHI,
		blockPDHI: blockPDHI,
	}, nil
}

func (s *store) Close() {
	_ = s.g.Close()
	_ = s.chunkPDHI.Close()
	_ = s.blockPDHI.Close()
	_ = s.log.Close()
	_ = s.cs.Close()
}

func run(args []string) error {
	f, rest, err := parseFlags(args)
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}

		return err
	}

	ctx := context.Background()

	s, err := openStore(ctx, f)
	if err != nil {
		return err
	}
	defer s.Close()

	if len(rest) == 0 {
		return runREPL(ctx, s)
	}

	return dispatch(ctx, s, rest[0], rest[1:])
}

func dispatch(ctx context.Context, s *store, cmd string, args []string) error {
	switch cmd {
	case "oplog-stats":
		return cmdOplogStats(s)
	case "chunk":
		return cmdChunk(ctx, s, args)
	case "chunk-list":
		return cmdChunkList(ctx, s, args)
	case "block":
		return cmdBlock(ctx, s, args)
	case "block-list":
		return cmdBlockList(ctx, s, args)
	case "gc-candidates":
		return cmdGCCandidates(ctx, s)
	case "containers":
		return cmdContainers(ctx, s)
	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")

	return enc.Encode(v)
}

type oplogStatsView struct {
	LogID    uint64       `json:"log_id"`
	ReplayID uint64       `json:"replay_id"`
	Limit    uint64       `json:"limit"`
	Stats    oplog.Stats  `json:"stats"`
}

func cmdOplogStats(s *store) error {
	return printJSON(oplogStatsView{
		LogID:    s.log.LogID(),
		ReplayID: s.log.ReplayID(),
		Limit:    s.log.Limit(),
		Stats:    s.log.Stats(),
	})
}

func cmdChunk(ctx context.Context, s *store, args []string) error {
	if len(args) < 1 {
		return errors.New("usage: chunk <fingerprint-hex>")
	}

	fp, err := hex.DecodeString(args[0])
	if err != nil {
		return fmt.Errorf("invalid fingerprint: %w", err)
	}

	m, ok, err := s.chunks.Lookup(ctx, fp)
	if err != nil {
		return err
	}

	if !ok {
		fmt.Println("(not found)")
		return nil
	}

	return printJSON(m)
}

func cmdChunkList(ctx context.Context, s *store, args []string) error {
	limit := parseLimit(args, 50)

	type row struct {
		Fingerprint string            `json:"fingerprint"`
		Mapping     chunkindex.Mapping `json:"mapping"`
	}

	var out []row

	err := s.chunks.Iterate(ctx, func(fp []byte, m chunkindex.Mapping) (bool, error) {
		out = append(out, row{Fingerprint: hex.EncodeToString(fp), Mapping: m})
		return len(out) < limit, nil
	})
	if err != nil {
		return err
	}

	return printJSON(out)
}

func cmdBlock(ctx context.Context, s *store, args []string) error {
	if len(args) < 1 {
		return errors.New("usage: block <block-id>")
	}

	id, err := strconv.ParseUint(args[0], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid block id: %w", err)
	}

	m, ok, err := s.blocks.ReadBlockInfo(ctx, id)
	if err != nil {
		return err
	}

	if !ok {
		fmt.Println("(not found)")
		return nil
	}

	return printJSON(m)
}

func cmdBlockList(ctx context.Context, s *store, args []string) error {
	limit := parseLimit(args, 50)

	type row struct {
		BlockID uint64             `json:"block_id"`
		Mapping blockindex.Mapping `json:"mapping"`
	}

	var out []row

	err := s.blocks.Iterate(ctx, func(id uint64, m blockindex.Mapping) (bool, error) {
		out = append(out, row{BlockID: id, Mapping: m})
		return len(out) < limit, nil
	})
	if err != nil {
		return err
	}

	return printJSON(out)
}

func cmdGCCandidates(ctx context.Context, s *store) error {
	rows, err := s.g.ListCandidates(ctx)
	if err != nil {
		return err
	}

	return printJSON(rows)
}

func cmdContainers(ctx context.Context, s *store) error {
	addrs, err := s.cs.ListAddresses(ctx)
	if err != nil {
		return err
	}

	type row struct {
		Address uint64 `json:"address"`
		State   string `json:"commit_state"`
	}

	out := make([]row, 0, len(addrs))

	for _, addr := range addrs {
		state, err := s.cs.IsCommitted(ctx, addr)
		if err != nil {
			return err
		}

		out = append(out, row{Address: addr, State: state.String()})
	}

	return printJSON(out)
}

func parseLimit(args []string, def int) int {
	if len(args) == 0 {
		return def
	}

	n, err := strconv.Atoi(args[0])
	if err != nil || n <= 0 {
		return def
	}

	return n
}

func historyFile() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}

	return filepath.Join(home, ".dedupvault_inspect_history")
}

// runREPL is the interactive mode: liner for readline-style input and
// history, a flat command dispatch table, read-only throughout.
func runREPL(ctx context.Context, s *store) error {
	line := liner.NewLiner()
	defer line.Close()

	line.SetCtrlCAborts(true)
	line.SetCompleter(replCompleter)

	if f, err := os.Open(historyFile()); err == nil {
		_, _ = line.ReadHistory(f)
		_ = f.Close()
	}

	fmt.Println("dedupvault-inspect - read-only. Type 'help' for commands.")

	for {
		input, err := line.Prompt("dedupvault> ")
		if err != nil {
			if errors.Is(err, liner.ErrPromptAborted) || errors.Is(err, io.EOF) {
				fmt.Println("\nBye!")
				break
			}

			return fmt.Errorf("reading input: %w", err)
		}

		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}

		line.AppendHistory(input)

		parts := strings.Fields(input)
		cmd := parts[0]
		args := parts[1:]

		switch cmd {
		case "exit", "quit", "q":
			saveHistory(line)
			return nil
		case "help", "?":
			printREPLHelp()
		default:
			if err := dispatch(ctx, s, cmd, args); err != nil {
				fmt.Printf("error: %v\n", err)
			}
		}
	}

	saveHistory(line)

	return nil
}

func saveHistory(line *liner.State) {
	path := historyFile()
	if path == "" {
		return
	}

	if f, err := os.Create(path); err == nil {
		_, _ = line.WriteHistory(f)
		_ = f.Close()
	}
}

func replCompleter(line string) []string {
	commands := []string{
		"oplog-stats", "chunk", "chunk-list", "block", "block-list",
		"gc-candidates", "containers", "help", "exit", "quit", "q",
	}

	var out []string

	for _, c := range commands {
		if strings.HasPrefix(c, line) {
			out = append(out, c)
		}
	}

	return out
}

func printREPLHelp() {
	fmt.Println(`Commands:
  oplog-stats                  Log head/tail ids and per-event-type counters
  chunk <fingerprint-hex>      Look up one chunk mapping
  chunk-list [limit]           List chunk mappings
  block <block-id>             Look up one block mapping
  block-list [limit]           List block mappings
  gc-candidates                List the GC candidate queue
  containers                   List container addresses and commit state
  help                         Show this help
  exit / quit / q              Exit`)
}
