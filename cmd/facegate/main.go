package main

import (
	"bufio"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"facegate/authsvc"
	"facegate/client"
	"facegate/config"
	"facegate/loadbalance"
	"facegate/observability"
	"facegate/registry"

	"github.com/rs/zerolog"
)

// errRejected makes the process exit with status 2 when the server answers false.
var errRejected = errors.New("rejected")

const usage = `usage: facegate [-config file] [-addr host:port] <command> [args]

commands:
  captcha [-out file] [-ask]   fetch a captcha image; -ask reads a guess
                               from stdin and checks it on the same connection
  guess <text>                 check a guess against the captcha issued on
                               this connection
  login <user> <password>      check credentials
  face <image>                 check a face image
  stats [-raw]                 print server statistics
  passwd <user> <old> <new>    change a password
  enroll <user> <password> <image>
                               add a face image

Boolean commands print true or false and exit with status 2 on false.
`

func main() {
	err := run(os.Args[1:], os.Stdin, os.Stdout)
	switch {
	case err == nil:
	case errors.Is(err, errRejected):
		os.Exit(2)
	default:
		fmt.Fprintf(os.Stderr, "facegate: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string, stdin io.Reader, stdout io.Writer) error {
	fs := flag.NewFlagSet("facegate", flag.ContinueOnError)
	fs.Usage = func() { fmt.Fprint(fs.Output(), usage) }
	configPath := fs.String("config", "", "client TOML config")
	addr := fs.String("addr", "", "server address, overrides the config")
	logLevel := fs.String("log-level", "", "log level, overrides the config")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() == 0 {
		fs.Usage()
		return fmt.Errorf("missing command")
	}

	cfg := config.DefaultClient()
	if *configPath != "" {
		loaded, err := config.LoadClient(*configPath)
		if err != nil {
			return err
		}
		cfg = loaded
	}
	if *addr != "" {
		cfg.Addr = *addr
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	cmd := command(fs.Arg(0))
	if cmd == nil {
		fs.Usage()
		return fmt.Errorf("unknown command %q", fs.Arg(0))
	}

	// Logs go to stderr so stdout stays the command's result.
	logger := observability.InitLoggerTo(os.Stderr, "facegate", cfg.LogLevel)
	c, err := dial(cfg, logger)
	if err != nil {
		return err
	}
	defer c.Close()

	return cmd(c, cfg, fs.Args()[1:], stdin, stdout)
}

type commandFunc func(c *client.Client, cfg config.Client, args []string, stdin io.Reader, stdout io.Writer) error

func command(name string) commandFunc {
	switch name {
	case "captcha":
		return captchaCmd
	case "guess":
		return boolCmd(1, "guess <text>", func(c *client.Client, a []string) (bool, error) {
			return c.CheckCaptchaGuess(a[0])
		})
	case "login":
		return boolCmd(2, "login <user> <password>", func(c *client.Client, a []string) (bool, error) {
			return c.CheckCredentials(a[0], a[1])
		})
	case "face":
		return boolCmd(1, "face <image>", func(c *client.Client, a []string) (bool, error) {
			return c.CheckFaceImage(a[0])
		})
	case "stats":
		return statsCmd
	case "passwd":
		return boolCmd(3, "passwd <user> <old> <new>", func(c *client.Client, a []string) (bool, error) {
			return c.ChangePassword(a[0], a[1], a[2])
		})
	case "enroll":
		return boolCmd(3, "enroll <user> <password> <image>", func(c *client.Client, a []string) (bool, error) {
			return c.AddFaceImage(a[0], a[1], a[2])
		})
	}
	return nil
}

func dial(cfg config.Client, logger zerolog.Logger) (*client.Client, error) {
	ccfg := client.DefaultConfig()
	ccfg.Transport = cfg.TransportOptions()
	ccfg.DialTimeout = cfg.DialTimeout
	ccfg.Logger = &logger

	if !cfg.Registry.Enabled() {
		return client.Dial(cfg.Addr, ccfg)
	}
	reg, err := registry.NewEtcdRegistry(cfg.Registry.Endpoints, cfg.Registry.DialTimeout)
	if err != nil {
		return nil, fmt.Errorf("connect registry: %w", err)
	}
	defer reg.Close()
	return client.DialService(reg, loadbalance.New(cfg.Balancer), cfg.Registry.Service, ccfg)
}

func boolCmd(n int, synopsis string, call func(*client.Client, []string) (bool, error)) commandFunc {
	return func(c *client.Client, cfg config.Client, args []string, stdin io.Reader, stdout io.Writer) error {
		if len(args) != n {
			return fmt.Errorf("usage: facegate %s", synopsis)
		}
		ok, err := call(c, args)
		if err != nil {
			return err
		}
		fmt.Fprintln(stdout, ok)
		if !ok {
			return errRejected
		}
		return nil
	}
}

func captchaCmd(c *client.Client, cfg config.Client, args []string, stdin io.Reader, stdout io.Writer) error {
	fs := flag.NewFlagSet("captcha", flag.ContinueOnError)
	out := fs.String("out", cfg.CaptchaPath, "where to write the image")
	ask := fs.Bool("ask", false, "read a guess from stdin and check it")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := c.GetCaptcha(*out); err != nil {
		return err
	}
	fmt.Fprintln(stdout, *out)
	if !*ask {
		return nil
	}

	fmt.Fprint(os.Stderr, "guess: ")
	line, err := bufio.NewReader(stdin).ReadString('\n')
	if err != nil && !(errors.Is(err, io.EOF) && line != "") {
		return fmt.Errorf("read guess: %w", err)
	}
	ok, err := c.CheckCaptchaGuess(strings.TrimSpace(line))
	if err != nil {
		return err
	}
	fmt.Fprintln(stdout, ok)
	if !ok {
		return errRejected
	}
	return nil
}

func statsCmd(c *client.Client, cfg config.Client, args []string, stdin io.Reader, stdout io.Writer) error {
	fs := flag.NewFlagSet("stats", flag.ContinueOnError)
	raw := fs.Bool("raw", false, "print the payload as received")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *raw {
		payload, err := c.GetStatistics()
		if err != nil {
			return err
		}
		_, err = stdout.Write(payload)
		return err
	}

	var stats authsvc.Statistics
	if err := c.DecodeStatistics(&stats); err != nil {
		return err
	}
	out, err := json.MarshalIndent(stats, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(stdout, string(out))
	return nil
}
