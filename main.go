// biosvm creates a VM with a BIOS image loaded below 1M, runs its VCPU
// until the first exit, and prints what happened.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"path"
	"path/filepath"
	"time"

	"github.com/c35s/biosvm/diag"
	"github.com/c35s/biosvm/kvm"
	"github.com/c35s/biosvm/os/bios"
	"github.com/c35s/biosvm/vm"
	"golang.org/x/term"
	"gopkg.in/yaml.v3"
)

// config is what a -config file can set. Flags given on the command line
// override the file.
type config struct {
	Device    string        `yaml:"device"`
	MemSize   int           `yaml:"mem"` // MiB
	BIOS      string        `yaml:"bios"`
	Member    string        `yaml:"member"`
	Shadow    bool          `yaml:"shadow"`
	Reset     bool          `yaml:"reset"`
	DumpMem   bool          `yaml:"dump_mem"`
	Timeout   time.Duration `yaml:"timeout"`
	LogFormat string        `yaml:"log_format"`
	Verbose   bool          `yaml:"verbose"`
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	cfg, err := parseConfig(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	slog.SetDefault(newLogger(os.Stderr, term.IsTerminal(int(os.Stderr.Fd())), cfg))

	if err := run(ctx, cfg, os.Stdout); err != nil {
		slog.Error("biosvm failed", "err", err)
		os.Exit(1)
	}
}

func parseConfig(args []string) (config, error) {
	var (
		cfg  config
		file string
	)

	fs := flag.NewFlagSet("biosvm", flag.ContinueOnError)
	fs.StringVar(&file, "config", "", "read settings from a YAML file")
	fs.StringVar(&cfg.Device, "device", kvm.DevicePath, "open KVM at this path")
	fs.IntVar(&cfg.MemSize, "mem", vm.MemSizeDefault>>20, "set the VM's memory size in MiB")
	fs.StringVar(&cfg.BIOS, "bios", bios.DefaultMember, "load the BIOS from a file or URL")
	fs.StringVar(&cfg.Member, "member", bios.DefaultMember, "use this file if the BIOS is a cpio archive")
	fs.BoolVar(&cfg.Shadow, "shadow", false, "start at F000:FFF0 instead of the reset vector")
	fs.BoolVar(&cfg.Reset, "reset", false, "load the x86 power-on register state")
	fs.BoolVar(&cfg.DumpMem, "dump-mem", true, "print non-zero guest memory below 640K after the run")
	fs.DurationVar(&cfg.Timeout, "timeout", 0, "give up on the run after this long")
	fs.StringVar(&cfg.LogFormat, "log-format", "", "log as text or json (default: text on a terminal)")
	fs.BoolVar(&cfg.Verbose, "v", false, "log debug messages")

	if err := fs.Parse(args); err != nil {
		return cfg, err
	}

	if file == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(file)
	if err != nil {
		return cfg, fmt.Errorf("biosvm: read config: %w", err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("biosvm: parse config %s: %w", file, err)
	}

	// parse again so explicit flags win over the file
	if err := fs.Parse(args); err != nil {
		return cfg, err
	}

	return cfg, nil
}

func newLogger(w io.Writer, isTerm bool, cfg config) *slog.Logger {
	opts := slog.HandlerOptions{Level: slog.LevelInfo}
	if cfg.Verbose {
		opts.Level = slog.LevelDebug
	}

	format := cfg.LogFormat
	if format == "" {
		format = "json"
		if isTerm {
			format = "text"
		}
	}

	if format == "json" {
		return slog.New(slog.NewJSONHandler(w, &opts))
	}

	return slog.New(slog.NewTextHandler(w, &opts))
}

func run(ctx context.Context, cfg config, out io.Writer) error {
	host, err := vm.OpenPath(cfg.Device)
	if err != nil {
		return err
	}

	defer host.Close()

	slog.Info("opened kvm", "version", host.APIVersion(), "msrs", len(host.MSRIndices()))

	image, cleanup, err := fetchImage(ctx, cfg.BIOS)
	if err != nil {
		return err
	}

	defer cleanup()

	m, err := vm.New(host, vm.Config{
		MemSize:             cfg.MemSize << 20,
		ResetToPowerOnState: cfg.Reset,
		Loader: &bios.Loader{
			Path:   image,
			Member: cfg.Member,
			Shadow: cfg.Shadow,
		},
	})

	if err != nil {
		return err
	}

	defer m.Close()

	cpu, err := m.CreateVCPU()
	if err != nil {
		return err
	}

	if err := cpu.MapControlPage(); err != nil {
		return err
	}

	if err := dumpRegisters(out, cpu); err != nil {
		return err
	}

	if cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()
	}

	ev, err := cpu.RunOnce(ctx)
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		slog.Warn("run interrupted", "err", err)

	case err != nil:
		return err

	default:
		fmt.Fprintln(out, diag.Exit(ev))
	}

	if err := dumpRegisters(out, cpu); err != nil {
		return err
	}

	if cfg.DumpMem {
		return diag.WriteMemory(out, m.Memory(), diag.LowMemLimit)
	}

	return nil
}

func dumpRegisters(w io.Writer, cpu *vm.VCPU) error {
	regs, err := cpu.Regs()
	if err != nil {
		return err
	}

	sregs, err := cpu.Sregs()
	if err != nil {
		return err
	}

	if err := diag.WriteRegs(w, &regs); err != nil {
		return err
	}

	return diag.WriteSregs(w, &sregs)
}

// maxDownload bounds the size of a remote image or archive.
var maxDownload int64 = 16 << 20

// fetchImage returns a local path for the image at s and a func that
// removes it if it had to be downloaded.
func fetchImage(ctx context.Context, s string) (p string, cleanup func(), err error) {
	defer func() {
		if err != nil {
			err = fmt.Errorf("biosvm: fetch %s: %w", s, err)
		}
	}()

	u, err := url.Parse(s)
	if err != nil {
		return "", nil, err
	}

	switch u.Scheme {
	case "":
		return s, func() {}, nil

	case "file":
		return u.Path, func() {}, nil

	case "http", "https":
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
		if err != nil {
			return "", nil, err
		}

		res, err := http.DefaultClient.Do(req)
		if err != nil {
			return "", nil, err
		}

		defer res.Body.Close()

		if res.StatusCode != http.StatusOK {
			return "", nil, fmt.Errorf("response status %d != %d", res.StatusCode, http.StatusOK)
		}

		dir, err := os.MkdirTemp("", "biosvm")
		if err != nil {
			return "", nil, err
		}

		rm := func() { os.RemoveAll(dir) }

		name := path.Base(u.Path)
		if name == "/" || name == "." {
			name = bios.DefaultMember
		}

		f, err := os.Create(filepath.Join(dir, name))
		if err != nil {
			rm()
			return "", nil, err
		}

		defer f.Close()

		n, err := io.Copy(f, io.LimitReader(res.Body, maxDownload+1))
		if err != nil {
			rm()
			return "", nil, err
		}

		if n > maxDownload {
			rm()
			return "", nil, fmt.Errorf("image is larger than %d bytes", maxDownload)
		}

		return f.Name(), rm, nil

	default:
		return "", nil, fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
}
