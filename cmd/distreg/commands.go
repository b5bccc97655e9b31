package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"distreg/internal/app"
	"distreg/internal/config"
	"distreg/internal/dispatch"
	"distreg/internal/domain"
	"distreg/internal/keys"
	"distreg/internal/obs"
	"distreg/internal/pkgstore"
	"distreg/internal/transport"
	"distreg/internal/transport/socket"
)

func newFlags(name string, c *cli) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(c.errw)
	return fs
}

func parse(fs *flag.FlagSet, args []string) error {
	if err := fs.Parse(args); err != nil {
		return usageError{msg: fmt.Sprintf("%s: %v", fs.Name(), err)}
	}
	if fs.NArg() > 0 {
		return usageError{msg: fmt.Sprintf("%s: unexpected arguments %v", fs.Name(), fs.Args())}
	}
	return nil
}

func required(fs *flag.FlagSet, names ...string) error {
	set := map[string]bool{}
	fs.Visit(func(f *flag.Flag) { set[f.Name] = true })
	for _, n := range names {
		if !set[n] {
			return usageError{msg: fmt.Sprintf("%s: -%s is required", fs.Name(), n)}
		}
	}
	return nil
}

func (c *cli) config() (config.Config, error) {
	cfg, err := config.Load(c.configPath)
	if err != nil {
		return config.Config{}, usageError{msg: fmt.Sprintf("load config: %v", err)}
	}
	return cfg, nil
}

func (c *cli) open(ctx context.Context) (*app.App, error) {
	cfg, err := c.config()
	if err != nil {
		return nil, err
	}
	return app.New(ctx, cfg, app.Options{LogOutput: c.logw})
}

func registerPartner(ctx context.Context, c *cli, args []string) (int, error) {
	fs := newFlags("register-partner", c)
	id := fs.String("id", "", "partner id")
	address := fs.String("address", "", "host:port, tcp://, kafka:// or amqp:// address")
	priority := fs.Int("priority", 0, "priority tier, 1 is contacted first")
	email := fs.String("email", "", "contact email")
	if err := parse(fs, args); err != nil {
		return 0, err
	}
	if err := required(fs, "id", "address", "priority"); err != nil {
		return 0, err
	}
	a, err := c.open(ctx)
	if err != nil {
		return 0, err
	}
	defer a.Close()
	p, err := a.Partners.Register(ctx, domain.PartnerInput{ID: *id, Address: *address, Priority: *priority, ContactEmail: *email})
	if err != nil {
		return 0, err
	}
	c.emit(p)
	return exitOK, nil
}

func disablePartner(ctx context.Context, c *cli, args []string) (int, error) {
	return togglePartner(ctx, c, "disable-partner", args, false)
}

func enablePartner(ctx context.Context, c *cli, args []string) (int, error) {
	return togglePartner(ctx, c, "enable-partner", args, true)
}

func togglePartner(ctx context.Context, c *cli, name string, args []string, enable bool) (int, error) {
	fs := newFlags(name, c)
	id := fs.String("id", "", "partner id")
	if err := parse(fs, args); err != nil {
		return 0, err
	}
	if err := required(fs, "id"); err != nil {
		return 0, err
	}
	a, err := c.open(ctx)
	if err != nil {
		return 0, err
	}
	defer a.Close()
	var p domain.Partner
	if enable {
		p, err = a.Partners.Enable(ctx, *id)
	} else {
		p, err = a.Partners.Disable(ctx, *id)
	}
	if err != nil {
		return 0, err
	}
	c.emit(p)
	return exitOK, nil
}

func listPartners(ctx context.Context, c *cli, args []string) (int, error) {
	if err := parse(newFlags("list-partners", c), args); err != nil {
		return 0, err
	}
	a, err := c.open(ctx)
	if err != nil {
		return 0, err
	}
	defer a.Close()
	for _, p := range a.Partners.Export() {
		c.emit(p)
	}
	return exitOK, nil
}

func publishPackage(ctx context.Context, c *cli, args []string) (int, error) {
	fs := newFlags("publish-package", c)
	name := fs.String("name", "", "package name")
	file := fs.String("file", "", "payload file, - for stdin")
	if err := parse(fs, args); err != nil {
		return 0, err
	}
	if err := required(fs, "name", "file"); err != nil {
		return 0, err
	}
	var (
		payload []byte
		err     error
	)
	if *file == "-" {
		payload, err = io.ReadAll(c.stdin)
	} else {
		payload, err = os.ReadFile(*file)
	}
	if err != nil {
		return 0, usageError{msg: fmt.Sprintf("read payload: %v", err)}
	}
	a, err := c.open(ctx)
	if err != nil {
		return 0, err
	}
	defer a.Close()
	pkg, err := a.Packages.Publish(ctx, *name, payload)
	if err != nil {
		return 0, err
	}
	c.emit(pkg.Header())
	return exitOK, nil
}

func fetchPackage(ctx context.Context, c *cli, args []string) (int, error) {
	fs := newFlags("fetch-package", c)
	id := fs.String("id", "", "package id")
	name := fs.String("name", "", "fetch the latest version of this package name")
	out := fs.String("out", "", "write the payload to this file")
	if err := parse(fs, args); err != nil {
		return 0, err
	}
	if (*id == "") == (*name == "") {
		return 0, usageError{msg: "fetch-package: exactly one of -id or -name is required"}
	}
	a, err := c.open(ctx)
	if err != nil {
		return 0, err
	}
	defer a.Close()
	if *name != "" {
		latest, err := a.Packages.Latest(ctx, *name)
		if err != nil {
			return 0, err
		}
		*id = latest.ID
	}
	pkg, err := a.Packages.Fetch(ctx, *id)
	if err != nil {
		return 0, err
	}
	if !pkgstore.Verify(pkg) {
		return 0, fmt.Errorf("%w: package %s payload does not match checksum", domain.ErrIntegrity, pkg.ID)
	}
	if *out != "" {
		if err := os.WriteFile(*out, pkg.Payload, 0o644); err != nil {
			return 0, fmt.Errorf("write payload: %w", err)
		}
	}
	c.emit(pkg.Header())
	return exitOK, nil
}

func listPackages(ctx context.Context, c *cli, args []string) (int, error) {
	if err := parse(newFlags("list-packages", c), args); err != nil {
		return 0, err
	}
	a, err := c.open(ctx)
	if err != nil {
		return 0, err
	}
	defer a.Close()
	list, err := a.Packages.List(ctx)
	if err != nil {
		return 0, err
	}
	for _, p := range list {
		c.emit(p)
	}
	return exitOK, nil
}

func dispatchPackage(ctx context.Context, c *cli, args []string) (int, error) {
	fs := newFlags("dispatch", c)
	id := fs.String("package-id", "", "package id")
	urgent := fs.Bool("urgent", false, "dispatch tier by tier in priority order")
	timeout := fs.Duration("timeout", 0, "overall deadline; unfinished deliveries stay pending")
	partners := fs.String("partners", "", "comma separated partner ids to restrict to")
	if err := parse(fs, args); err != nil {
		return 0, err
	}
	if err := required(fs, "package-id"); err != nil {
		return 0, err
	}
	a, err := c.open(ctx)
	if err != nil {
		return 0, err
	}
	defer a.Close()

	class := domain.PriorityNormal
	if *urgent {
		class = domain.PriorityUrgent
	}
	var opts dispatch.Options
	for _, p := range strings.Split(*partners, ",") {
		if p = strings.TrimSpace(p); p != "" {
			opts.Partners = append(opts.Partners, p)
		}
	}
	if *timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, *timeout)
		defer cancel()
	}
	report, err := a.Dispatcher.Dispatch(ctx, *id, class, opts)
	if err != nil {
		return 0, err
	}
	c.emit(report)
	return reportCode(report), nil
}

func sendUrgent(ctx context.Context, c *cli, args []string) (int, error) {
	fs := newFlags("urgent", c)
	message := fs.String("message", "", "urgent message text")
	priority := fs.Int("priority", 1, "update priority, 1 is critical")
	if err := parse(fs, args); err != nil {
		return 0, err
	}
	if err := required(fs, "message"); err != nil {
		return 0, err
	}
	a, err := c.open(ctx)
	if err != nil {
		return 0, err
	}
	defer a.Close()
	report, err := a.Dispatcher.SendUrgent(ctx, *message, *priority)
	if err != nil {
		return 0, err
	}
	c.emit(report)
	return reportCode(report), nil
}

func reportCode(r domain.DispatchReport) int {
	if r.Incomplete() {
		return exitPartial
	}
	return exitOK
}

func showStatus(ctx context.Context, c *cli, args []string) (int, error) {
	if err := parse(newFlags("status", c), args); err != nil {
		return 0, err
	}
	a, err := c.open(ctx)
	if err != nil {
		return 0, err
	}
	defer a.Close()
	c.emit(a.Status.Status())
	return exitOK, nil
}

type keyLine struct {
	Key      string `json:"key"`
	TenantID string `json:"tenant_id"`
	IssuedAt int64  `json:"issued_at"`
}

func generateKey(_ context.Context, c *cli, args []string) (int, error) {
	fs := newFlags("generate-key", c)
	tenant := fs.String("tenant", "", "tenant (firm) id")
	count := fs.Int("count", 1, "number of keys")
	if err := parse(fs, args); err != nil {
		return 0, err
	}
	if err := required(fs, "tenant"); err != nil {
		return 0, err
	}
	batch, err := keys.NewIssuer().GenerateBatch(*tenant, *count)
	if err != nil {
		return 0, err
	}
	for _, k := range batch {
		c.emit(keyLine{Key: keys.Format(k), TenantID: k.TenantID, IssuedAt: k.IssuedAt})
	}
	return exitOK, nil
}

func validateKey(_ context.Context, c *cli, args []string) (int, error) {
	fs := newFlags("validate-key", c)
	token := fs.String("token", "", "distribution key")
	if err := parse(fs, args); err != nil {
		return 0, err
	}
	if err := required(fs, "token"); err != nil {
		return 0, err
	}
	cfg, err := c.config()
	if err != nil {
		return 0, err
	}
	k, err := keys.NewValidator(cfg.Keys.TTL).Validate(*token)
	if err != nil {
		return 0, err
	}
	c.emit(map[string]any{"valid": true, "tenant_id": k.TenantID, "issued_at": k.IssuedAt})
	return exitOK, nil
}

func servePartner(ctx context.Context, c *cli, args []string) (int, error) {
	fs := newFlags("serve-partner", c)
	var opts app.PartnerOptions
	fs.StringVar(&opts.Listen, "listen", "", "socket listen address")
	fs.StringVar(&opts.PartnerID, "partner-id", "", "reject deliveries addressed to other partners")
	fs.StringVar(&opts.Kafka, "kafka", "", "consume deliveries from kafka://broker/topic")
	fs.StringVar(&opts.KafkaGroup, "group", "", "kafka consumer group")
	fs.StringVar(&opts.AMQP, "amqp", "", "consume deliveries from amqp://...?exchange=x&routing_key=k")
	fs.StringVar(&opts.Queue, "queue", "", "amqp queue, defaults to the routing key")
	if err := parse(fs, args); err != nil {
		return 0, err
	}
	if opts.Listen == "" && opts.Kafka == "" && opts.AMQP == "" {
		opts.Listen = "127.0.0.1:9400"
	}
	cfg, err := c.config()
	if err != nil {
		return 0, err
	}
	log := obs.NewLogger(c.logw, cfg.Log.Level, cfg.Log.Format)
	if err := app.ServePartner(ctx, cfg, opts, log); err != nil {
		return 0, err
	}
	return exitOK, nil
}

func serve(ctx context.Context, c *cli, args []string) (int, error) {
	fs := newFlags("serve", c)
	listen := fs.String("listen", "", "http listen address, defaults to http.listen")
	if err := parse(fs, args); err != nil {
		return 0, err
	}
	a, err := c.open(ctx)
	if err != nil {
		return 0, err
	}
	defer a.Close()
	addr := *listen
	if addr == "" {
		addr = a.Config.HTTP.Listen
	}
	start := time.Now()
	if err := a.Serve(ctx, addr); err != nil {
		return 0, err
	}
	a.Log.Info("serve finished", "op", "serve", obs.Since(start))
	return exitOK, nil
}

// pingPartner checks a socket partner's clock and health without delivering.
func pingPartner(ctx context.Context, c *cli, args []string) (int, error) {
	fs := newFlags("ping-partner", c)
	id := fs.String("id", "", "partner id")
	timeout := fs.Duration("timeout", 5*time.Second, "deadline for both requests")
	if err := parse(fs, args); err != nil {
		return 0, err
	}
	if err := required(fs, "id"); err != nil {
		return 0, err
	}
	a, err := c.open(ctx)
	if err != nil {
		return 0, err
	}
	defer a.Close()
	p, err := a.Partners.Get(*id)
	if err != nil {
		return 0, err
	}
	target, err := transport.ParseAddress(p.Address)
	if err != nil {
		return 0, err
	}
	if target.Scheme != transport.SchemeSocket {
		return 0, fmt.Errorf("%w: partner %s is reached over %s, ping needs a socket address", domain.ErrValidation, p.ID, target.Scheme)
	}

	ctx, cancel := context.WithTimeout(ctx, *timeout)
	defer cancel()
	client := socket.NewClient(a.Config.Transport.Socket.AuthToken, a.Config.Transport.Socket.MaxFrame)
	began := time.Now()
	clock, err := client.Ping(ctx, target.HostPort)
	if err != nil {
		return 0, err
	}
	rtt := time.Since(began)
	healthy, msg, err := client.Health(ctx, target.HostPort)
	if err != nil {
		return 0, err
	}
	c.emit(map[string]any{
		"partner_id": p.ID,
		"clock":      clock,
		"healthy":    healthy,
		"message":    msg,
		"rtt_ms":     rtt.Milliseconds(),
	})
	return exitOK, nil
}
