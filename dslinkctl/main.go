package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"golang.org/x/term"

	"github.com/docopt/docopt-go"
	gjson "github.com/goccy/go-json"
	"github.com/golang/glog"

	"github.com/iot-dsa/dslink-go/dslink"
)

const DefaultBrokerUrl = "http://localhost:8080/conn"

const DslinkCtlVersion = "0.1.0"

var Out *log.Logger
var Err *log.Logger

func init() {
	Out = log.New(os.Stdout, "", 0)
	Err = log.New(os.Stderr, "", log.Ldate|log.Ltime|log.Lshortfile)
}

func main() {
	usage := fmt.Sprintf(
		`DSA link control.

The default broker url is %s

Usage:
    dslinkctl keygen [--storage=<dir>] [--name=<name>]
    dslinkctl serve [options] [--no_nodes_json]
    dslinkctl list [options] <path>
    dslinkctl set [options] <path> <value> [--permit=<permit>]
    dslinkctl invoke [options] <path> [<params>] [--permit=<permit>]
    dslinkctl subscribe [options] <path> [--count=<count>] [--qos=<qos>]

Options:
    -h --help                 Show this screen.
    --version                 Show version.
    --broker=<url>            Broker handshake url.
    --name=<name>             Link name, the dsId prefix [default: dslinkctl].
    --storage=<dir>           Directory for .keys and nodes.json [default: .].
    --token=<token>           Broker token. Use - to read it without echo.
    --jwt=<jwt>               Bearer token for the handshake.
    --format=<format>         Preferred format: json, msgpack or protobuf [default: json].
    --max_attempts=<n>        Connection attempts, 0 is unlimited [default: 0].
    --permit=<permit>         Declared permission: read, write or config [default: config].
    --count=<count>           Exit after this many updates, 0 is unlimited [default: 0].
    --qos=<qos>               Subscription qos [default: 0].
    --no_nodes_json           Do not load or save nodes.json.
    --verbosity=<level>       glog verbosity [default: 0].`,
		DefaultBrokerUrl,
	)

	opts, err := docopt.ParseArgs(usage, os.Args[1:], DslinkCtlVersion)
	if err != nil {
		panic(err)
	}

	initGlog(opts)
	defer glog.Flush()

	if keygen_, _ := opts.Bool("keygen"); keygen_ {
		keygen(opts)
	} else if serve_, _ := opts.Bool("serve"); serve_ {
		serve(opts)
	} else if list_, _ := opts.Bool("list"); list_ {
		list(opts)
	} else if set_, _ := opts.Bool("set"); set_ {
		set(opts)
	} else if invoke_, _ := opts.Bool("invoke"); invoke_ {
		invoke(opts)
	} else if subscribe_, _ := opts.Bool("subscribe"); subscribe_ {
		subscribe(opts)
	}
}

// glog registers on the default flag set. Log to stderr when attached to a terminal.
func initGlog(opts docopt.Opts) {
	if term.IsTerminal(int(os.Stderr.Fd())) {
		flag.Set("logtostderr", "true")
	} else {
		flag.Set("alsologtostderr", "true")
	}
	flag.Set("stderrthreshold", "INFO")
	if v, err := opts.String("--verbosity"); err == nil {
		flag.Set("v", v)
	}
	flag.CommandLine.Parse([]string{})
}

func keygen(opts docopt.Opts) {
	storage, _ := opts.String("--storage")
	name, _ := opts.String("--name")

	keyPair, err := dslink.LoadOrCreateKeyPair(storage)
	if err != nil {
		Err.Fatalf("Could not load keys (%s).", err)
	}
	Out.Printf("%s-%s\n", name, keyPair.IdSuffix())
}

func linkSettings(opts docopt.Opts, isRequester bool, isResponder bool) *dslink.LinkSettings {
	settings := dslink.DefaultLinkSettings()
	settings.IsRequester = isRequester
	settings.IsResponder = isResponder

	settings.BrokerUrl = DefaultBrokerUrl
	if broker, err := opts.String("--broker"); err == nil && broker != "" {
		settings.BrokerUrl = broker
	}
	settings.Name, _ = opts.String("--name")
	settings.StorageDir, _ = opts.String("--storage")
	settings.Format, _ = opts.String("--format")
	if jwt, err := opts.String("--jwt"); err == nil {
		settings.BrokerJwt = jwt
	}
	if token, err := opts.String("--token"); err == nil {
		if token == "-" {
			token = readToken()
		}
		settings.Token = token
	}
	if maxAttempts, err := opts.Int("--max_attempts"); err == nil {
		settings.MaxAttempts = maxAttempts
	}
	if noNodesJson, _ := opts.Bool("--no_nodes_json"); noNodesJson {
		settings.LoadNodesJson = false
	}
	return settings
}

func readToken() string {
	if !term.IsTerminal(int(syscall.Stdin)) {
		line, err := bufio.NewReader(os.Stdin).ReadString('\n')
		if err != nil && line == "" {
			Err.Fatalf("Could not read token (%s).", err)
		}
		return strings.TrimSpace(line)
	}
	fmt.Print("Enter token: ")
	tokenBytes, err := term.ReadPassword(int(syscall.Stdin))
	if err != nil {
		panic(err)
	}
	fmt.Printf("\n")
	return strings.TrimSpace(string(tokenBytes))
}

func permit(opts docopt.Opts) dslink.Permission {
	permitStr, _ := opts.String("--permit")
	permission, err := dslink.ParsePermission(permitStr)
	if err != nil {
		Err.Fatalf("Invalid permit (%s).", err)
	}
	return permission
}

// parseValue reads json, falling back to the raw string
func parseValue(s string) any {
	var value any
	if err := gjson.Unmarshal([]byte(s), &value); err != nil {
		return s
	}
	return value
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func connect(ctx context.Context, settings *dslink.LinkSettings) *dslink.Link {
	link, err := dslink.NewLink(ctx, settings)
	if err != nil {
		Err.Fatalf("Could not create link (%s).", err)
	}
	go func() {
		for event := range link.Events() {
			glog.V(1).Infof("[main]%s %s\n", event.ConnectionId, event.State)
		}
	}()
	if err := link.Connect(ctx, settings.MaxAttempts); err != nil {
		Err.Fatalf("Could not connect to %s (%s).", settings.BrokerUrl, err)
	}
	return link
}

// serve runs a responder with a small demo tree until interrupted
func serve(opts docopt.Opts) {
	ctx, cancel := signalContext()
	defer cancel()

	settings := linkSettings(opts, false, true)
	link, err := dslink.NewLink(ctx, settings)
	if err != nil {
		Err.Fatalf("Could not create link (%s).", err)
	}
	defer link.Close()

	link.Responder().AddNodeClass("echo", func(node *dslink.Node) {
		node.SetAction(echoAction())
	})
	link.Responder().AddNodeClass("resetCounter", func(node *dslink.Node) {
		node.SetAction(resetAction())
	})
	link.LoadNodes(initDemoNodes)

	counter := link.Responder().Root().Get("/counter")
	if counter != nil {
		go runCounter(ctx, counter)
	}

	Out.Printf("%s\n", link.DsId())
	err = link.Run(ctx)
	if settings.LoadNodesJson {
		if saveErr := link.SaveNodes(); saveErr != nil {
			Err.Printf("Could not save nodes (%s).", saveErr)
		}
	}
	if err != nil && ctx.Err() == nil {
		Err.Fatalf("Link stopped (%s).", err)
	}
}

func initDemoNodes(root *dslink.Node) {
	counter, _ := root.CreateChild("counter")
	counter.SetDisplayName("Counter")
	counter.SetType(dslink.ValueTypeNumber)
	counter.SetValue(0)

	message, _ := root.CreateChild("message")
	message.SetType(dslink.ValueTypeString)
	message.SetWritable(dslink.PermissionWrite)
	message.SetValue("hello")

	mode, _ := root.CreateChild("mode")
	mode.SetType(dslink.EnumType("auto", "manual"))
	mode.SetWritable(dslink.PermissionWrite)
	mode.SetValue("auto")

	echo, _ := root.CreateChild("echo")
	echo.SetClass("echo")
	echo.SetAction(echoAction())

	reset, _ := root.CreateChild("reset")
	reset.SetClass("resetCounter")
	reset.SetAction(resetAction())
}

func echoAction() *dslink.Action {
	return &dslink.Action{
		Permission: dslink.PermissionRead,
		Params: []dslink.Column{
			{Name: "message", Type: dslink.ValueTypeString, Default: ""},
		},
		Columns: []dslink.Column{
			{Name: "message", Type: dslink.ValueTypeString},
		},
		Result: dslink.ResultValues,
		Handler: func(invocation *dslink.InvocationContext) {
			message, _ := invocation.Param("message")
			invocation.Return(message)
		},
	}
}

func resetAction() *dslink.Action {
	return &dslink.Action{
		Permission: dslink.PermissionWrite,
		Result:     dslink.ResultValues,
		Handler: func(invocation *dslink.InvocationContext) {
			root := invocation.Node().Parent()
			if counter := root.Get("/counter"); counter != nil {
				counter.SetValue(0)
			}
			invocation.Close()
		},
	}
}

func runCounter(ctx context.Context, counter *dslink.Node) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(1 * time.Second):
		}
		n, _ := counter.Value().Raw.(int64)
		counter.SetValue(n + 1)
	}
}

func list(opts docopt.Opts) {
	ctx, cancel := signalContext()
	defer cancel()

	path, _ := opts.String("<path>")
	link := connect(ctx, linkSettings(opts, true, false))
	defer link.Close()

	done := make(chan struct{})
	_, err := link.Requester().List(path, func(response *dslink.ListResponse) {
		node := response.Node
		Out.Printf("%s (%s)\n", node.Path, node.Class())
		for name, value := range node.Configs {
			Out.Printf("    $%s = %v\n", name, value)
		}
		for name, value := range node.Attributes {
			Out.Printf("    @%s = %v\n", name, value)
		}
		if node.Value.IsSet() {
			Out.Printf("    value = %v (%s)\n", node.Value.Raw, node.Value.Timestamp())
		}
		for _, child := range node.Children() {
			Out.Printf("    %s/ (%s)\n", child.Name, child.Class())
		}
		response.Close()
		close(done)
	})
	if err != nil {
		Err.Fatalf("List failed (%s).", err)
	}

	select {
	case <-ctx.Done():
	case <-done:
	}
}

func set(opts docopt.Opts) {
	ctx, cancel := signalContext()
	defer cancel()

	path, _ := opts.String("<path>")
	valueStr, _ := opts.String("<value>")
	permission := permit(opts)

	link := connect(ctx, linkSettings(opts, true, false))
	defer link.Close()

	if _, err := link.Requester().Set(path, permission, parseValue(valueStr)); err != nil {
		Err.Fatalf("Set failed (%s).", err)
	}
	link.Connector().Flush()
}

func invoke(opts docopt.Opts) {
	ctx, cancel := signalContext()
	defer cancel()

	path, _ := opts.String("<path>")
	params := map[string]any{}
	if paramsStr, err := opts.String("<params>"); err == nil && paramsStr != "" {
		if err := gjson.Unmarshal([]byte(paramsStr), &params); err != nil {
			Err.Fatalf("Params must be a json object (%s).", err)
		}
	}
	permission := permit(opts)

	link := connect(ctx, linkSettings(opts, true, false))
	defer link.Close()

	done := make(chan struct{})
	_, err := link.Requester().Invoke(path, permission, params, func(response *dslink.InvokeResponse) {
		if response.Error != nil {
			Err.Printf("%s\n", response.Error)
		}
		for _, row := range response.Updates {
			Out.Printf("%v\n", row)
		}
		if response.Closed() {
			close(done)
		}
	})
	if err != nil {
		Err.Fatalf("Invoke failed (%s).", err)
	}

	select {
	case <-ctx.Done():
	case <-done:
	}
}

func subscribe(opts docopt.Opts) {
	ctx, cancel := signalContext()
	defer cancel()

	path, _ := opts.String("<path>")
	countStr, _ := opts.String("--count")
	count, err := strconv.Atoi(countStr)
	if err != nil {
		Err.Fatalf("Invalid count (%s).", err)
	}
	qos, _ := opts.Int("--qos")

	link := connect(ctx, linkSettings(opts, true, false))
	defer link.Close()

	updates := make(chan *dslink.SubscriptionUpdate, 16)
	sid, err := link.Requester().Subscribe(path, func(update *dslink.SubscriptionUpdate) {
		select {
		case updates <- update:
		case <-ctx.Done():
		}
	}, qos)
	if err != nil {
		Err.Fatalf("Subscribe failed (%s).", err)
	}

	for i := 0; count == 0 || i < count; i += 1 {
		select {
		case <-ctx.Done():
			return
		case update := <-updates:
			Out.Printf("%s %v (%s)\n", update.Path, update.Value, update.Timestamp)
		}
	}
	link.Requester().Unsubscribe(sid)
	link.Connector().Flush()
}
