// Command mrtd-reader reads an ICAO 9303 passport chip through a PC/SC reader,
// or through the built-in chip emulator, using Basic Access Control.
package main

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/gmrtd/gmrtd/cms"
	"github.com/gregLibert/mrtd-reader/internal/config"
	"github.com/gregLibert/mrtd-reader/pkg/bac"
	"github.com/gregLibert/mrtd-reader/pkg/images"
	"github.com/gregLibert/mrtd-reader/pkg/iso7816"
	"github.com/gregLibert/mrtd-reader/pkg/lds"
	"github.com/gregLibert/mrtd-reader/pkg/mrtd"
	"github.com/gregLibert/mrtd-reader/pkg/pcsc"
	"github.com/gregLibert/mrtd-reader/pkg/verify"
	"golang.org/x/term"
)

// options holds the command line after parsing.
type options struct {
	configPath string
	doc        string
	dob        string
	doe        string
	mrz        string
	verbose    bool
	logFormat  string
	verifyPA   bool
	listOnly   bool

	cfg *config.Config
}

func main() {
	opts, err := parseFlags(os.Args[1:], os.Stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	setupLogging(os.Stderr, opts.verbose, opts.logFormat)

	if err := run(opts, os.Stdout); err != nil {
		slog.Error("read failed", "error", err)
		os.Exit(1)
	}
}

func setupLogging(w io.Writer, verbose bool, format string) {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	hopts := &slog.HandlerOptions{Level: level}
	if format == "json" {
		slog.SetDefault(slog.New(slog.NewJSONHandler(w, hopts)))
	} else {
		slog.SetDefault(slog.New(slog.NewTextHandler(w, hopts)))
	}
}

// parseFlags loads the config file, when given, and lays the flags that were
// set on top of it.
func parseFlags(args []string, errOut io.Writer) (*options, error) {
	fs := flag.NewFlagSet("mrtd-reader", flag.ContinueOnError)
	fs.SetOutput(errOut)

	opts := &options{}
	fs.StringVar(&opts.configPath, "config", "", "path to a YAML config file")
	fs.StringVar(&opts.doc, "doc", "", "document number")
	fs.StringVar(&opts.dob, "dob", "", "date of birth, YYMMDD")
	fs.StringVar(&opts.doe, "doe", "", "date of expiry, YYMMDD")
	fs.StringVar(&opts.mrz, "mrz", "", "printed MRZ, lines separated by newlines or commas")
	fs.BoolVar(&opts.verbose, "v", false, "enable debug logging")
	fs.StringVar(&opts.logFormat, "log-format", "text", "log format: text or json")
	fs.BoolVar(&opts.verifyPA, "verify", false, "run passive authentication against the gmrtd master list when no -csca is given")
	fs.BoolVar(&opts.listOnly, "list", false, "list PC/SC readers and exit")

	readerIndex := fs.Int("reader", 0, "reader index")
	readerName := fs.String("reader-name", "", "select the first reader whose name contains this")
	includeImages := fs.Bool("images", false, "also read EF.DG2 and EF.DG5")
	files := fs.String("files", "", "extra files to read, comma separated (EF_DG14,EF_DG15)")
	emulate := fs.Bool("emulate", false, "read the emulated chip instead of a reader")
	csca := fs.String("csca", "", "CSCA certificates (PEM or DER) for passive authentication")
	photo := fs.String("photo", "", "write the face image to this PNG file")
	jsonOut := fs.Bool("json", false, "print the record as JSON")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if fs.NArg() > 0 {
		return nil, fmt.Errorf("unexpected arguments: %s", strings.Join(fs.Args(), " "))
	}
	if opts.logFormat != "text" && opts.logFormat != "json" {
		return nil, fmt.Errorf("-log-format must be text or json")
	}

	cfg := config.Default()
	if opts.configPath != "" {
		var err error
		if cfg, err = config.Load(opts.configPath); err != nil {
			return nil, err
		}
	}

	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "reader":
			cfg.Reader.Index = *readerIndex
		case "reader-name":
			cfg.Reader.Name = *readerName
		case "images":
			cfg.Read.IncludeImages = *includeImages
		case "files":
			cfg.Read.ExtraFiles = splitList(*files)
		case "emulate":
			cfg.Emulator.Enabled = *emulate
		case "csca":
			cfg.Verify.CSCAFile = *csca
		case "photo":
			cfg.Output.PhotoFile = *photo
		case "json":
			cfg.Output.JSON = *jsonOut
		}
	})
	if cfg.Emulator.Enabled && len(cfg.Emulator.MRZ) == 0 {
		cfg.Emulator = specimen(cfg.Emulator)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	opts.cfg = cfg
	return opts, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// key builds the BAC key from -mrz or -doc/-dob/-doe. fallback is used when
// neither is given.
func (o *options) key(fallback *bac.Key) (bac.Key, error) {
	switch {
	case o.mrz != "":
		return bac.KeyFromMRZ(strings.ReplaceAll(o.mrz, ",", "\n"))
	case o.doc != "" || o.dob != "" || o.doe != "":
		return bac.NewKey(o.doc, o.dob, o.doe)
	case fallback != nil:
		return *fallback, nil
	default:
		return bac.Key{}, errors.New("give the document data with -mrz or -doc, -dob and -doe")
	}
}

func run(opts *options, stdout io.Writer) error {
	cfg := opts.cfg

	if opts.listOnly {
		readers, err := pcsc.Readers()
		if err != nil {
			return err
		}
		for i, r := range readers {
			fmt.Fprintf(stdout, "%d: %s\n", i, r)
		}
		return nil
	}

	extra, err := cfg.ExtraFiles()
	if err != nil {
		return err
	}

	var (
		card     iso7816.Transmitter
		fallback *bac.Key
	)
	if cfg.Emulator.Enabled {
		chip, err := newEmulatedChip(cfg.Emulator)
		if err != nil {
			return err
		}
		k := chip.Key()
		fallback = &k
		card = chip
		slog.Info("using emulated chip")
	}

	key, err := opts.key(fallback)
	if err != nil {
		return err
	}

	if card == nil {
		conn, err := pcsc.Connect(cfg.Reader.Index, cfg.Reader.Name, cfg.Reader.WaitForCard)
		if err != nil {
			return err
		}
		defer func() {
			if err := conn.Close(); err != nil {
				slog.Warn("failed to release reader", "error", err)
			}
		}()
		slog.Info("using reader", "reader", conn.Reader)
		card = conn
	}

	client := iso7816.NewClient(card)
	if cfg.Reader.Timeout > 0 {
		client.Timeout = cfg.Reader.Timeout
	}
	client.ExtendedLength = cfg.Reader.ExtendedLength
	if opts.verbose {
		client.Logger = slog.Default()
	}

	rec, err := mrtd.Read(client, key, mrtd.Options{
		IncludeImages: cfg.Read.IncludeImages || cfg.Output.PhotoFile != "",
		ExtraFiles:    extra,
		BlockSize:     cfg.Reader.BlockSize,
		Logger:        slog.Default(),
	})
	if err != nil {
		return err
	}

	pa := passiveAuth(cfg.Verify.CSCAFile, opts.verifyPA, rec)

	if cfg.Output.PhotoFile != "" {
		if err := writePhoto(cfg.Output.PhotoFile, rec.FaceImage); err != nil {
			return err
		}
	}

	if cfg.Output.JSON || !isTerminal(stdout) {
		return writeJSON(stdout, rec, pa)
	}
	return writeReport(stdout, rec, pa)
}

// paResult is the outcome of passive authentication. A nil pointer means it
// was not requested.
type paResult struct {
	Verified bool   `json:"verified"`
	Error    string `json:"error,omitempty"`
}

func passiveAuth(cscaFile string, useDefault bool, rec *mrtd.Record) *paResult {
	if cscaFile == "" && !useDefault {
		return nil
	}

	var (
		pool cms.CertPool
		err  error
	)
	if cscaFile != "" {
		pool, err = verify.LoadCSCA(cscaFile)
	} else {
		pool, err = verify.DefaultPool()
	}
	if err == nil {
		err = verify.Passive(rec.RawFiles, pool)
	}

	if err != nil {
		slog.Warn("passive authentication failed", "error", err)
		return &paResult{Error: err.Error()}
	}
	slog.Info("passive authentication succeeded")
	return &paResult{Verified: true}
}

func writePhoto(path string, face *lds.FaceImage) error {
	if face == nil {
		slog.Warn("no face image on the chip, photo not written", "path", path)
		return nil
	}
	if err := images.WritePNG(path, face); err != nil {
		return fmt.Errorf("write photo: %w", err)
	}
	slog.Info("photo written", "path", path)
	return nil
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

func writeJSON(w io.Writer, rec *mrtd.Record, pa *paResult) error {
	out := struct {
		*mrtd.Record
		PassiveAuth *paResult `json:"passiveAuth,omitempty"`
	}{rec, pa}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}
