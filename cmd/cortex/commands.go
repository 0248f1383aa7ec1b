package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log"
	"math/rand"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/orneryd/cortex/pkg/accel"
	"github.com/orneryd/cortex/pkg/config"
	"github.com/orneryd/cortex/pkg/gpu/backend"
	"github.com/orneryd/cortex/pkg/gpu/cpu"
	"github.com/orneryd/cortex/pkg/quant"
	"github.com/orneryd/cortex/pkg/store"
)

// app bundles everything a command needs once configuration is loaded.
type app struct {
	cfg      *config.Config
	logger   *log.Logger
	registry *prometheus.Registry
	acc      *accel.Accelerator
	queue    *accel.Queue
}

// loadConfig loads the config file and applies persistent flag overrides.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	if path == "" {
		path = config.FindConfigFile()
	}
	cfg, err := config.LoadFromFile(path)
	if err != nil {
		return nil, err
	}
	if cmd.Flags().Changed("backend") {
		cfg.GPU.Backend, _ = cmd.Flags().GetString("backend")
	}
	if cmd.Flags().Changed("data-dir") {
		cfg.Storage.DataDir, _ = cmd.Flags().GetString("data-dir")
	}
	if cmd.Flags().Changed("log-level") {
		level, _ := cmd.Flags().GetString("log-level")
		cfg.Logging.Level = strings.ToUpper(level)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// newLogger builds the process logger. WARN and ERROR keep only the lines
// tagged with a warning or failure marker.
func newLogger(cfg config.LoggingConfig) (*log.Logger, error) {
	var w io.Writer
	switch cfg.Output {
	case "", "stderr":
		w = os.Stderr
	case "stdout":
		w = os.Stdout
	default:
		f, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open log output: %w", err)
		}
		w = f
	}
	switch cfg.Level {
	case "WARN":
		w = &levelWriter{w: w, markers: []string{"⚠️", "❌"}}
	case "ERROR":
		w = &levelWriter{w: w, markers: []string{"❌"}}
	}
	return log.New(w, "", log.LstdFlags), nil
}

type levelWriter struct {
	w       io.Writer
	markers []string
}

func (l *levelWriter) Write(p []byte) (int, error) {
	for _, m := range l.markers {
		if strings.Contains(string(p), m) {
			return l.w.Write(p)
		}
	}
	return len(p), nil
}

// startRuntime opens the device and initializes the accelerator behind a queue.
func startRuntime(cmd *cobra.Command) (*app, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	logger, err := newLogger(cfg.Logging)
	if err != nil {
		return nil, err
	}
	if cfg.Logging.Level == "DEBUG" {
		logger.Printf("[CORTEX] %s", cfg)
	}

	dev, err := backend.Open(cfg.GPU.Backend, &cpu.Config{
		Name:               "cortex-cpu",
		MaxBufferLength:    uint64(cfg.GPU.MaxBufferLength),
		MaxThreadsPerGroup: cfg.GPU.MaxThreadsPerGroup,
		Workers:            cfg.GPU.Workers,
		MaxGroupMemory:     int(cfg.GPU.MaxGroupMemory),
		LowPower:           cfg.GPU.LowPower,
	})
	if err != nil {
		return nil, fmt.Errorf("open device: %w", err)
	}

	rt := &app{cfg: cfg, logger: logger}
	opts := accel.Options{
		KernelPath: cfg.Pipeline.KernelSource,
		Quant:      quant.Params{Scale: float32(cfg.Quantization.Scale), ZeroPoint: float32(cfg.Quantization.ZeroPoint)},
		Logger:     logger,
	}
	if cfg.Logging.Metrics {
		rt.registry = prometheus.NewRegistry()
		opts.Metrics = accel.NewMetrics(rt.registry)
	}

	rt.acc = accel.New(dev, opts)
	if err := rt.acc.Initialize(); err != nil {
		return nil, err
	}
	rt.queue = accel.NewQueue(rt.acc)
	return rt, nil
}

func (rt *app) Close() {
	if rt.queue != nil {
		rt.queue.Close()
	}
	if rt.acc != nil {
		rt.acc.Close()
	}
}

func openStore(cfg *config.Config, logger *log.Logger) (*store.Store, error) {
	return store.Open(store.Options{
		DataDir:    cfg.Storage.DataDir,
		InMemory:   cfg.Storage.InMemory,
		SyncWrites: cfg.Storage.SyncWrites,
		Logger:     logger,
	})
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// readFloats reads values from a JSON file when path is set, else parses args.
func readFloats(path string, args []string) ([]float32, error) {
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		var values []float32
		if err := json.Unmarshal(data, &values); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
		return values, nil
	}
	values := make([]float32, 0, len(args))
	for _, a := range args {
		for _, field := range strings.Split(a, ",") {
			field = strings.TrimSpace(field)
			if field == "" {
				continue
			}
			f, err := strconv.ParseFloat(field, 32)
			if err != nil {
				return nil, fmt.Errorf("invalid value %q: %w", field, err)
			}
			values = append(values, float32(f))
		}
	}
	return values, nil
}

// readTokenIDs parses ids from args, or from stdin when no args are given.
func readTokenIDs(args []string) ([]int, error) {
	if len(args) == 0 {
		scanner := bufio.NewScanner(os.Stdin)
		scanner.Split(bufio.ScanWords)
		for scanner.Scan() {
			args = append(args, scanner.Text())
		}
		if err := scanner.Err(); err != nil {
			return nil, err
		}
	}
	values, err := readFloats("", args)
	if err != nil {
		return nil, err
	}
	ids := make([]int, len(values))
	for i, v := range values {
		ids[i] = int(v)
	}
	return ids, nil
}

func runDevices(cmd *cobra.Command, args []string) error {
	type device struct {
		Name      string `json:"name"`
		Backend   string `json:"backend"`
		Vendor    string `json:"vendor"`
		MaxBuffer string `json:"max_buffer"`
		MaxGroup  int    `json:"max_threads_per_group"`
		LowPower  bool   `json:"low_power"`
		Unified   bool   `json:"unified_memory"`
		Available bool   `json:"available"`
	}
	var out []device
	for _, info := range backend.List() {
		out = append(out, device{
			Name:      info.Name,
			Backend:   string(info.Backend),
			Vendor:    info.Vendor,
			MaxBuffer: config.FormatMemorySize(int64(info.MaxBufferLength)),
			MaxGroup:  info.MaxWorkGroup,
			LowPower:  info.LowPower,
			Unified:   info.UnifiedMemory,
			Available: info.Available,
		})
	}
	return writeJSON(cmd.OutOrStdout(), out)
}

// embedChunk is one line of embed output.
type embedChunk struct {
	Chunk     int       `json:"chunk"`
	Offset    int       `json:"offset"`
	Embedding []float32 `json:"embedding"`
	Tokens    []int32   `json:"tokens"`
	Codes     []uint8   `json:"codes,omitempty"`
}

func runEmbed(cmd *cobra.Command, args []string) error {
	rt, err := startRuntime(cmd)
	if err != nil {
		return err
	}
	defer rt.Close()

	ids, err := readTokenIDs(args)
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		return fmt.Errorf("no token ids given")
	}
	if len(ids) > accel.MaxSeqLength {
		rt.logger.Printf("[PIPELINE] ⚠️ %d tokens truncated to %d", len(ids), accel.MaxSeqLength)
		ids = ids[:accel.MaxSeqLength]
	}

	chunkSize := rt.cfg.Pipeline.ChunkSize
	if n, _ := cmd.Flags().GetInt("chunk-size"); n > 0 {
		chunkSize = n
	}
	withCodes, _ := cmd.Flags().GetBool("quantize")
	vocab := float32(rt.cfg.Pipeline.VocabSize)

	ctx, cancel := signalContext()
	defer cancel()

	enc := json.NewEncoder(cmd.OutOrStdout())
	for chunk, off := 0, 0; off < len(ids); chunk, off = chunk+1, off+chunkSize {
		end := min(off+chunkSize, len(ids))
		tokens := make([]float32, end-off)
		for i, id := range ids[off:end] {
			tokens[i] = float32(id) / vocab
		}

		emb, err := rt.queue.ProcessSequence(ctx, tokens)
		if err != nil {
			return err
		}
		line := embedChunk{Chunk: chunk, Offset: off, Embedding: emb, Tokens: make([]int32, len(emb))}
		for i, v := range emb {
			line.Tokens[i] = int32(v * vocab)
		}
		if withCodes {
			if line.Codes, err = rt.queue.Quantize(ctx, emb); err != nil {
				return err
			}
		}
		if err := enc.Encode(line); err != nil {
			return err
		}
	}
	return nil
}

func runQuantize(cmd *cobra.Command, args []string) error {
	rt, err := startRuntime(cmd)
	if err != nil {
		return err
	}
	defer rt.Close()

	file, _ := cmd.Flags().GetString("file")
	values, err := readFloats(file, args)
	if err != nil {
		return err
	}

	params := rt.acc.Params()
	calibrate, _ := cmd.Flags().GetBool("calibrate")
	if calibrate || rt.cfg.Quantization.Calibrate {
		if params, err = quant.Calibrate(values); err != nil {
			return err
		}
	}

	ctx, cancel := signalContext()
	defer cancel()
	codes, err := rt.queue.QuantizeWith(ctx, values, params)
	if err != nil {
		return err
	}
	return writeJSON(cmd.OutOrStdout(), struct {
		Params quant.Params `json:"params"`
		Codes  []uint8      `json:"codes"`
	}{params, codes})
}

func runIndexBuild(cmd *cobra.Command, args []string) error {
	rt, err := startRuntime(cmd)
	if err != nil {
		return err
	}
	defer rt.Close()

	file, _ := cmd.Flags().GetString("file")
	data, err := os.ReadFile(file)
	if err != nil {
		return err
	}
	var vectors [][]float32
	if err := json.Unmarshal(data, &vectors); err != nil {
		return fmt.Errorf("parse %s: %w", file, err)
	}
	if len(vectors) == 0 {
		return fmt.Errorf("%s holds no vectors", file)
	}
	dim := len(vectors[0])
	flat := make([]float32, 0, dim*len(vectors))
	for i, v := range vectors {
		if len(v) != dim {
			return fmt.Errorf("vector %d has width %d, want %d", i, len(v), dim)
		}
		flat = append(flat, v...)
	}

	params := rt.acc.Params()
	calibrate, _ := cmd.Flags().GetBool("calibrate")
	if calibrate || rt.cfg.Quantization.Calibrate {
		if params, err = quant.Calibrate(flat); err != nil {
			return err
		}
	}

	ctx, cancel := signalContext()
	defer cancel()
	codes, err := rt.queue.QuantizeWith(ctx, flat, params)
	if err != nil {
		return err
	}
	db, err := quant.FromFlat(dim, params, codes)
	if err != nil {
		return err
	}

	st, err := openStore(rt.cfg, rt.logger)
	if err != nil {
		return err
	}
	defer st.Close()
	meta, err := st.SaveDatabase(args[0], db)
	if err != nil {
		return err
	}
	return writeJSON(cmd.OutOrStdout(), meta)
}

func runIndexList(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg.Logging)
	if err != nil {
		return err
	}
	st, err := openStore(cfg, logger)
	if err != nil {
		return err
	}
	defer st.Close()
	metas, err := st.ListDatabases()
	if err != nil {
		return err
	}
	return writeJSON(cmd.OutOrStdout(), metas)
}

func runIndexDelete(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg.Logging)
	if err != nil {
		return err
	}
	st, err := openStore(cfg, logger)
	if err != nil {
		return err
	}
	defer st.Close()
	return st.DeleteDatabase(args[0])
}

func runSearch(cmd *cobra.Command, args []string) error {
	rt, err := startRuntime(cmd)
	if err != nil {
		return err
	}
	defer rt.Close()

	file, _ := cmd.Flags().GetString("file")
	query, err := readFloats(file, args[1:])
	if err != nil {
		return err
	}
	k, _ := cmd.Flags().GetInt("k")
	if k <= 0 {
		k = rt.cfg.Search.DefaultK
	}

	st, err := openStore(rt.cfg, rt.logger)
	if err != nil {
		return err
	}
	defer st.Close()
	db, meta, err := st.LoadDatabase(args[0])
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()
	codes, err := rt.queue.QuantizeWith(ctx, query, meta.Params)
	if err != nil {
		return err
	}
	rdb, err := rt.acc.Resident(db)
	if err != nil {
		return err
	}
	defer rdb.Release()

	res, err := rt.queue.SearchResident(ctx, codes, rdb, k)
	if err != nil {
		return err
	}
	return writeJSON(cmd.OutOrStdout(), struct {
		Database string `json:"database"`
		accel.SearchResult
	}{meta.Name, res})
}

// benchReport is the bench command output.
type benchReport struct {
	Device         string             `json:"device"`
	Sequences      int                `json:"sequences"`
	SequenceTime   string             `json:"sequence_time"`
	Queries        int                `json:"queries"`
	SearchTime     string             `json:"search_time"`
	QueriesPerSec  float64            `json:"queries_per_sec"`
	Stats          accel.Stats        `json:"stats"`
	MetricFamilies map[string]float64 `json:"metrics,omitempty"`
}

func runBench(cmd *cobra.Command, args []string) error {
	rt, err := startRuntime(cmd)
	if err != nil {
		return err
	}
	defer rt.Close()

	rows, _ := cmd.Flags().GetInt("rows")
	dim, _ := cmd.Flags().GetInt("dim")
	queries, _ := cmd.Flags().GetInt("queries")
	sequences, _ := cmd.Flags().GetInt("sequences")
	concurrency, _ := cmd.Flags().GetInt("concurrency")
	seed, _ := cmd.Flags().GetInt64("seed")
	if rows <= 0 || dim <= 0 || concurrency <= 0 {
		return fmt.Errorf("rows, dim and concurrency must be positive")
	}

	r := rand.New(rand.NewSource(seed))
	codes := make([]uint8, rows*dim)
	r.Read(codes)
	db, err := quant.FromFlat(dim, rt.acc.Params(), codes)
	if err != nil {
		return err
	}
	rdb, err := rt.acc.Resident(db)
	if err != nil {
		return err
	}
	defer rdb.Release()

	seqs := make([][]float32, sequences)
	for i := range seqs {
		seqs[i] = make([]float32, 1+r.Intn(accel.MaxSeqLength))
		for j := range seqs[i] {
			seqs[i][j] = float32(r.Intn(rt.cfg.Pipeline.VocabSize)) / float32(rt.cfg.Pipeline.VocabSize)
		}
	}
	qs := make([][]uint8, queries)
	for i := range qs {
		qs[i] = append([]uint8(nil), db.Row(r.Intn(rows))...)
	}

	ctx, cancel := signalContext()
	defer cancel()

	start := time.Now()
	if err := fanOut(ctx, concurrency, len(seqs), func(ctx context.Context, i int) error {
		_, err := rt.queue.ProcessSequence(ctx, seqs[i])
		return err
	}); err != nil {
		return err
	}
	seqTime := time.Since(start)

	start = time.Now()
	if err := fanOut(ctx, concurrency, len(qs), func(ctx context.Context, i int) error {
		_, err := rt.queue.SearchResident(ctx, qs[i], rdb, rt.cfg.Search.DefaultK)
		return err
	}); err != nil {
		return err
	}
	searchTime := time.Since(start)

	report := benchReport{
		Device:       rt.acc.Device().Info().Name,
		Sequences:    len(seqs),
		SequenceTime: seqTime.String(),
		Queries:      len(qs),
		SearchTime:   searchTime.String(),
		Stats:        rt.acc.Stats(),
	}
	if searchTime > 0 {
		report.QueriesPerSec = float64(len(qs)) / searchTime.Seconds()
	}
	if rt.registry != nil {
		report.MetricFamilies, err = gatherTotals(rt.registry)
		if err != nil {
			return err
		}
	}
	return writeJSON(cmd.OutOrStdout(), report)
}

// fanOut runs fn for every index in [0, n) on up to limit goroutines.
func fanOut(ctx context.Context, limit, n int, fn func(context.Context, int) error) error {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for i := 0; i < n; i++ {
		i := i // per-iteration copy; go.mod targets 1.21 (pre-1.22 loop semantics)
		g.Go(func() error { return fn(ctx, i) })
	}
	return g.Wait()
}

// gatherTotals sums counters and histogram counts per metric family.
func gatherTotals(reg *prometheus.Registry) (map[string]float64, error) {
	families, err := reg.Gather()
	if err != nil {
		return nil, err
	}
	totals := make(map[string]float64, len(families))
	for _, f := range families {
		for _, m := range f.GetMetric() {
			var v float64
			switch {
			case m.GetCounter() != nil:
				v = m.GetCounter().GetValue()
			case m.GetHistogram() != nil:
				v = float64(m.GetHistogram().GetSampleCount())
			case m.GetGauge() != nil:
				v = m.GetGauge().GetValue()
			}
			totals[f.GetName()] += v
		}
	}
	return totals, nil
}

func getEnvStr(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

// getEnvBool returns environment variable as bool or default
func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		switch strings.ToLower(val) {
		case "true", "1", "yes", "on":
			return true
		case "false", "0", "no", "off":
			return false
		}
	}
	return defaultVal
}
