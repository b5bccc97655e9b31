package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"distreg/internal/domain"
)

const (
	exitOK        = 0
	exitInvalid   = 1
	exitNotFound  = 2
	exitPartial   = 3
	exitIntegrity = 4
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdin, os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

type cli struct {
	configPath string
	stdin      io.Reader
	out        *json.Encoder
	errw       io.Writer
	logw       io.Writer
}

func run(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("distreg", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", os.Getenv("DISTREG_CONFIG"), "path to config file (yaml or toml)")
	fs.Usage = func() { usage(stderr) }
	if err := fs.Parse(args); err != nil {
		return exitInvalid
	}
	if fs.NArg() == 0 {
		usage(stderr)
		return exitInvalid
	}
	c := &cli{configPath: *configPath, stdin: stdin, out: json.NewEncoder(stdout), errw: stderr, logw: stderr}

	cmd, rest := fs.Arg(0), fs.Args()[1:]
	handler, ok := commands[cmd]
	if !ok {
		fmt.Fprintf(stderr, "unknown command %q\n", cmd)
		usage(stderr)
		return exitInvalid
	}
	code, err := handler(ctx, c, rest)
	if err != nil {
		c.fail(err)
		return exitCode(err)
	}
	return code
}

var commands = map[string]func(context.Context, *cli, []string) (int, error){
	"register-partner": registerPartner,
	"disable-partner":  disablePartner,
	"enable-partner":   enablePartner,
	"list-partners":    listPartners,
	"ping-partner":     pingPartner,
	"publish-package":  publishPackage,
	"fetch-package":    fetchPackage,
	"list-packages":    listPackages,
	"dispatch":         dispatchPackage,
	"urgent":           sendUrgent,
	"status":           showStatus,
	"generate-key":     generateKey,
	"validate-key":     validateKey,
	"serve-partner":    servePartner,
	"serve":            serve,
}

func usage(w io.Writer) {
	fmt.Fprint(w, `usage: distreg [-config path] <command> [flags]

commands:
  register-partner -id ID -address ADDR -priority N [-email E]
  disable-partner  -id ID
  enable-partner   -id ID
  list-partners
  ping-partner     -id ID [-timeout D]
  publish-package  -name NAME -file PATH|-
  fetch-package    -id PACKAGE_ID|-name NAME [-out PATH]
  list-packages
  dispatch         -package-id ID [-urgent] [-timeout D] [-partners a,b]
  urgent           -message TEXT [-priority N]
  status
  generate-key     -tenant TENANT [-count N]
  validate-key     -token TOKEN
  serve-partner    [-listen ADDR] [-kafka ADDR [-group G]] [-amqp ADDR [-queue Q]] [-partner-id ID]
  serve            [-listen ADDR]
`)
}

// usageError marks bad command lines; they exit like validation failures.
type usageError struct{ msg string }

func (e usageError) Error() string { return e.msg }

func exitCode(err error) int {
	var ue usageError
	switch {
	case errors.As(err, &ue), errors.Is(err, domain.ErrValidation):
		return exitInvalid
	case errors.Is(err, domain.ErrNotFound):
		return exitNotFound
	default:
		return exitIntegrity
	}
}

func (c *cli) emit(v any) {
	_ = c.out.Encode(v)
}

func (c *cli) fail(err error) {
	_ = json.NewEncoder(c.errw).Encode(map[string]any{"error": err.Error(), "exit_code": exitCode(err)})
}
