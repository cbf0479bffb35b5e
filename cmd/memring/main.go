package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/chzyer/readline"
	"github.com/rs/zerolog"

	"github.com/DeltaLaboratory/memring"
	"github.com/DeltaLaboratory/memring/cmd/memring/parser"

	_ "embed"
)

var (
	serverList = flag.String("servers", "localhost:11211", "comma-separated server list (host:port or host:port:weight)")
	configPath = flag.String("config", "", "optional TOML configuration file")
	namespace  = flag.String("namespace", "", "key namespace prefix")
	verbose    = flag.Bool("verbose", false, "log connection events")
)

//go:embed help
var helpString string

// fileConfig is the TOML shape accepted by -config. Flags override it.
type fileConfig struct {
	Servers   []string `toml:"servers"`
	Namespace string   `toml:"namespace"`
	Username  string   `toml:"username"`
	Password  string   `toml:"password"`
	Compress  bool     `toml:"compress"`

	ConnectTimeout string `toml:"connect_timeout"`
	ReadTimeout    string `toml:"read_timeout"`
	WriteTimeout   string `toml:"write_timeout"`
}

func main() {
	flag.Parse()

	client, err := buildClient()
	if err != nil {
		log.Fatalf("Failed to create client: %v", err)
	}
	defer client.Close()

	rl, err := readline.NewEx(&readline.Config{
		Prompt: ">> ",
	})
	if err != nil {
		log.Fatalf("Failed to initialize readline: %v", err)
	}
	defer rl.Close()

	fmt.Println("memring console (type '.help' for commands, '.exit' to quit)")
	for {
		line, err := rl.Readline()
		if err != nil {
			break
		}

		line = strings.TrimSpace(line)
		if line == ".help" {
			fmt.Println(helpString)
			continue
		} else if line == ".exit" {
			break
		} else if line == "" {
			continue
		}

		handleQuery(client, line)
	}
}

func buildClient() (*memring.Client, error) {
	explicit := map[string]bool{}
	flag.Visit(func(f *flag.Flag) { explicit[f.Name] = true })

	servers := strings.Split(*serverList, ",")
	opts := []memring.Option{}

	if *configPath != "" {
		var fc fileConfig
		fc.Compress = true
		if _, err := toml.DecodeFile(*configPath, &fc); err != nil {
			return nil, fmt.Errorf("config %s: %w", *configPath, err)
		}
		if len(fc.Servers) > 0 && !explicit["servers"] {
			servers = fc.Servers
		}
		if fc.Namespace != "" {
			opts = append(opts, memring.WithNamespace(fc.Namespace))
		}
		if fc.Username != "" {
			opts = append(opts, memring.WithAuth(fc.Username, fc.Password))
		}
		opts = append(opts, memring.WithCompress(fc.Compress))

		connect, err := parseTimeout(fc.ConnectTimeout)
		if err != nil {
			return nil, err
		}
		read, err := parseTimeout(fc.ReadTimeout)
		if err != nil {
			return nil, err
		}
		write, err := parseTimeout(fc.WriteTimeout)
		if err != nil {
			return nil, err
		}
		if connect != 0 || read != 0 || write != 0 {
			opts = append(opts, memring.WithTimeouts(connect, read, write))
		}
	}

	if *namespace != "" {
		opts = append(opts, memring.WithNamespace(*namespace))
	}
	if *verbose {
		logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
		opts = append(opts, memring.WithLogger(logger))
	}

	return memring.New(servers, opts...)
}

func parseTimeout(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid timeout %q: %w", s, err)
	}
	return d, nil
}

func handleQuery(client *memring.Client, query string) {
	parsed, err := parser.Parse(query)
	if err != nil {
		fmt.Println("Parsing Error:", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	switch req := parsed.(type) {
	case parser.GetRequest:
		if req.CAS {
			value, cas, err := client.Gets(ctx, req.Key)
			if err != nil {
				fmt.Printf("error: %v\n", err)
				return
			}
			fmt.Printf("GETS: key=%s, value=%v, cas=%d\n", req.Key, value, cas)
			return
		}
		value, err := client.Get(ctx, req.Key)
		if err != nil {
			fmt.Printf("error: %v\n", err)
			return
		}
		fmt.Printf("GET: key=%s, value=%v\n", req.Key, value)

	case parser.MultiGetRequest:
		values, err := client.GetMulti(ctx, req.Keys)
		if err != nil {
			fmt.Printf("error: %v\n", err)
		}
		for _, key := range req.Keys {
			if value, ok := values[key]; ok {
				fmt.Printf("  %s = %v\n", key, value)
			} else {
				fmt.Printf("  %s (miss)\n", key)
			}
		}

	case parser.SetRequest:
		switch req.Verb {
		case "ADD":
			err = client.Add(ctx, req.Key, req.Value, req.TTL)
		case "REPLACE":
			err = client.Replace(ctx, req.Key, req.Value, req.TTL)
		default:
			err = client.Set(ctx, req.Key, req.Value, req.TTL)
		}
		if err != nil {
			fmt.Printf("error: %v\n", err)
			return
		}
		fmt.Printf("%s: key=%s, value=%s\n", req.Verb, req.Key, req.Value)

	case parser.CasRequest:
		err := client.Cas(ctx, req.Key, req.Value, req.TTL, req.Token)
		if err != nil {
			fmt.Printf("error: %v\n", err)
			return
		}
		fmt.Printf("CAS: key=%s, value=%s\n", req.Key, req.Value)

	case parser.DeleteRequest:
		err := client.Delete(ctx, req.Key)
		if err != nil {
			fmt.Printf("error: %v\n", err)
			return
		}
		fmt.Printf("DELETE: key=%s\n", req.Key)

	case parser.CounterRequest:
		var value uint64
		if req.Decrement {
			value, err = client.Decr(ctx, req.Key, req.Delta)
		} else {
			value, err = client.Incr(ctx, req.Key, req.Delta)
		}
		if err != nil {
			fmt.Printf("error: %v\n", err)
			return
		}
		fmt.Printf("%s: key=%s, value=%d\n", verbFor(req), req.Key, value)

	case parser.TouchRequest:
		err := client.Touch(ctx, req.Key, req.TTL)
		if err != nil {
			fmt.Printf("error: %v\n", err)
			return
		}
		fmt.Printf("TOUCH: key=%s\n", req.Key)

	case parser.ConcatRequest:
		if req.Prepend {
			err = client.Prepend(ctx, req.Key, []byte(req.Value))
		} else {
			err = client.Append(ctx, req.Key, []byte(req.Value))
		}
		if err != nil {
			fmt.Printf("error: %v\n", err)
			return
		}
		fmt.Printf("OK: key=%s\n", req.Key)

	case parser.StatsRequest:
		stats, err := client.Stats(ctx, req.Argument)
		if err != nil {
			fmt.Printf("error: %v\n", err)
		}
		for addr, kv := range stats {
			fmt.Printf("[%s]\n", addr)
			keys := make([]string, 0, len(kv))
			for k := range kv {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				fmt.Printf("  %s = %s\n", k, kv[k])
			}
		}

	case parser.FlushRequest:
		for addr, err := range client.FlushAll(ctx, req.Delay) {
			if err != nil {
				fmt.Printf("  %s: error: %v\n", addr, err)
			} else {
				fmt.Printf("  %s: ok\n", addr)
			}
		}

	case parser.VersionRequest:
		versions, err := client.Version(ctx)
		if err != nil {
			fmt.Printf("error: %v\n", err)
		}
		for addr, v := range versions {
			fmt.Printf("  %s: %s\n", addr, v)
		}

	case parser.PingRequest:
		if err := client.Ping(ctx); err != nil {
			fmt.Printf("error: %v\n", err)
			return
		}
		fmt.Println("PONG")
	}
}

func verbFor(req parser.CounterRequest) string {
	if req.Decrement {
		return "DECR"
	}
	return "INCR"
}
