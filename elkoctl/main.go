package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/docopt/docopt-go"
	"golang.org/x/term"

	"bringyour.com/elko/connect"
)

const ElkoCtlVersion = "0.0.1"

var Out *log.Logger
var Err *log.Logger

func init() {
	Out = log.New(os.Stdout, "", 0)
	Err = log.New(os.Stderr, "", log.Ldate|log.Ltime|log.Lshortfile)
}

func main() {
	usage := `Elko session client.

A root is a host:port or an http(s) url. Socket roots may also be ws(s) urls.
Every inbound message is printed as one JSON line. When stdin is a terminal,
each line typed is sent as a raw message.

Usage:
    elkoctl enter <root> <context> [--director] [--socket | --compat]
        [--name=<name>]
        [--user=<user> | --utag=<utag> --uparam=<uparam>]
        [--template=<template>]
        [--key=<key>] [--password]
        [--config=<config>]
    elkoctl seal --key=<key> [--ttl=<ttl>] <json>
    elkoctl unseal --key=<key> <token>
    elkoctl keygen

Options:
    -h --help                Show this screen.
    --version                Show version.
    --director               Reserve the context through the director at <root>.
    --socket                 Use the websocket transport.
    --compat                 Poll through the restricted request shim.
    --name=<name>            Display name.
    --user=<user>            Existing user ref.
    --utag=<utag>            User factory tag.
    --uparam=<uparam>        User factory parameter.
    --template=<template>    Context template.
    --key=<key>              Cryptoblob key, from keygen.
    --password               Prompt for a password to seal into the director auth.
    --config=<config>        TOML config file. Command line options win.
    --ttl=<ttl>              Token lifetime [default: 5m].`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], ElkoCtlVersion)
	if err != nil {
		panic(err)
	}

	if enter_, _ := opts.Bool("enter"); enter_ {
		enter(opts)
	} else if seal_, _ := opts.Bool("seal"); seal_ {
		seal(opts)
	} else if unseal_, _ := opts.Bool("unseal"); unseal_ {
		unseal(opts)
	} else if keygen_, _ := opts.Bool("keygen"); keygen_ {
		keygen(opts)
	}
}

// printingDialer prints each inbound message before the session dispatches it
type printingDialer struct {
	connect.Dialer
}

func (self *printingDialer) Dial(
	loop *connect.Loop,
	root string,
	receiver connect.ReceiverFunc,
	failure connect.FailureFunc,
) connect.Connection {
	return self.Dialer.Dial(
		loop,
		root,
		func(msg *connect.Message) {
			Out.Printf("%s", msg)
			receiver(msg)
		},
		failure,
	)
}

func enter(opts docopt.Opts) {
	cfg, err := loadEnterConfig(opts)
	if err != nil {
		Err.Printf("%s", err)
		os.Exit(2)
	}
	if promptPassword, _ := opts.Bool("--password"); promptPassword {
		fmt.Fprint(os.Stderr, "Password: ")
		passwordBytes, err := term.ReadPassword(int(syscall.Stdin))
		fmt.Fprintln(os.Stderr)
		if err != nil {
			Err.Printf("%s", err)
			os.Exit(1)
		}
		cfg.Password = string(passwordBytes)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// the loop outlives the signal so the session can disconnect
	loop := connect.NewLoop(context.Background())
	defer loop.Close()

	settings := connect.DefaultSessionSettings()
	switch cfg.Transport {
	case TransportSocket:
		settings.Dialer = connect.NewSocketDialerWithDefaults()
	case TransportCompat:
		settings.Dialer = connect.NewCompatPollDialerWithDefaults()
	default:
		settings.Dialer = connect.NewPollDialerWithDefaults()
	}
	settings.Dialer = &printingDialer{
		Dialer: settings.Dialer,
	}
	settings.OnFailure = func(message string, task connect.Task, errTag string) {
		Err.Printf("connection failed (%s, %s): %s", task, errTag, message)
		cancel()
	}

	userInfo := &connect.UserInfo{
		Name:   cfg.Name,
		User:   cfg.User,
		Utag:   cfg.Utag,
		Uparam: cfg.Uparam,
	}
	if cfg.SealKey != "" && cfg.Password != "" {
		cryptoblob, err := connect.NewCryptoblob(cfg.SealKey)
		if err != nil {
			Err.Printf("%s", err)
			os.Exit(2)
		}
		settings.Sealer = cryptoblob
		userInfo.Credential = map[string]string{
			"password": cfg.Password,
		}
	}

	session := connect.NewSession(loop, settings)

	var enterErr error
	connect.Trace(fmt.Sprintf("enter %s", cfg.Context), func() {
		loop.Call(func() {
			if cfg.Director {
				enterErr = session.ConnectToContextViaDirector(cfg.Root, cfg.Context, userInfo, cfg.Template)
			} else {
				enterErr = session.ConnectToContext(cfg.Root, cfg.Context, userInfo, cfg.Template)
			}
		})
	})
	if enterErr != nil {
		Err.Printf("%s", enterErr)
		os.Exit(1)
	}

	if term.IsTerminal(int(os.Stdin.Fd())) {
		go func() {
			defer cancel()
			scanner := bufio.NewScanner(os.Stdin)
			for scanner.Scan() {
				line := strings.TrimSpace(scanner.Text())
				if line == "" {
					continue
				}
				if !json.Valid([]byte(line)) {
					Err.Printf("not a JSON message: %s", line)
					continue
				}
				loop.Post(func() {
					session.Send(line)
				})
			}
		}()
	}

	<-ctx.Done()
	var conn connect.Connection
	loop.Call(func() {
		conn = session.Connection()
		session.Disconnect()
	})
	// the disconnect request is bounded by the connection settings
	if conn != nil {
		<-conn.Done()
	}
}

func newCryptoblob(opts docopt.Opts) *connect.Cryptoblob {
	key, _ := opts.String("--key")
	cryptoblob, err := connect.NewCryptoblob(key)
	if err != nil {
		Err.Printf("%s", err)
		os.Exit(2)
	}
	return cryptoblob
}

func seal(opts docopt.Opts) {
	cryptoblob := newCryptoblob(opts)

	ttlStr, _ := opts.String("--ttl")
	ttl, err := time.ParseDuration(ttlStr)
	if err != nil {
		Err.Printf("Invalid ttl (%s).", err)
		os.Exit(2)
	}

	jsonStr, _ := opts.String("<json>")
	var v any
	if err := json.Unmarshal([]byte(jsonStr), &v); err != nil {
		Err.Printf("Invalid json (%s).", err)
		os.Exit(2)
	}

	token, err := connect.TraceWithReturnError("seal", func() (string, error) {
		return cryptoblob.Encode(v, ttl)
	})
	if err != nil {
		Err.Printf("%s", err)
		os.Exit(1)
	}
	Out.Printf("%s", token)
}

func unseal(opts docopt.Opts) {
	cryptoblob := newCryptoblob(opts)

	token, _ := opts.String("<token>")
	var v any
	if err := cryptoblob.Decode(token, &v); err != nil {
		Err.Printf("%s", err)
		os.Exit(1)
	}
	b, _ := json.Marshal(v)
	Out.Printf("%s", b)
}

func keygen(opts docopt.Opts) {
	key, err := connect.GenerateCryptoblobKey()
	if err != nil {
		Err.Printf("%s", err)
		os.Exit(1)
	}
	Out.Printf("%s", key)
}
