// Package parser turns interactive console lines into typed cache commands.
package parser

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

type GetRequest struct {
	Key string
	CAS bool
}

type SetRequest struct {
	Verb  string // "SET", "ADD" or "REPLACE"
	Key   string
	Value string
	TTL   time.Duration
}

type CasRequest struct {
	Key   string
	Value string
	Token uint64
	TTL   time.Duration
}

type DeleteRequest struct {
	Key string
}

type CounterRequest struct {
	Key       string
	Delta     uint64
	Decrement bool
}

type TouchRequest struct {
	Key string
	TTL time.Duration
}

type ConcatRequest struct {
	Key     string
	Value   string
	Prepend bool
}

type MultiGetRequest struct {
	Keys []string
}

type StatsRequest struct {
	Argument string
}

type FlushRequest struct {
	Delay time.Duration
}

type VersionRequest struct{}

type PingRequest struct{}

func tokenize(query string) []string {
	query = strings.TrimSpace(query)

	tokens := []string{}
	currentToken := ""
	inQuotes := false
	quoteChar := rune(0)
	escape := false

	for _, char := range query {
		switch {
		case (char == '"' || char == '\'') && !escape:
			if !inQuotes {
				inQuotes = true
				quoteChar = char
			} else if char == quoteChar {
				tokens = append(tokens, currentToken)
				currentToken = ""
				inQuotes = false
				quoteChar = rune(0)
			} else {
				currentToken += string(char)
			}
		case char == ' ':
			if inQuotes {
				currentToken += string(char)
			} else if currentToken != "" {
				tokens = append(tokens, currentToken)
				currentToken = ""
			}
		case char == '\\':
			escape = true
		default:
			escape = false
			currentToken += string(char)
		}
	}

	if currentToken != "" {
		tokens = append(tokens, currentToken)
	}

	return tokens
}

func parseTTL(token string) (time.Duration, error) {
	if secs, err := strconv.Atoi(token); err == nil {
		return time.Duration(secs) * time.Second, nil
	}
	d, err := time.ParseDuration(token)
	if err != nil {
		return 0, fmt.Errorf("invalid ttl %q", token)
	}
	return d, nil
}

// Parse turns one console line into a typed request.
func Parse(query string) (interface{}, error) {
	if query == "" {
		return nil, fmt.Errorf("empty query")
	}

	tokens := tokenize(query)
	if len(tokens) < 1 {
		return nil, fmt.Errorf("invalid query")
	}

	verb := strings.ToUpper(tokens[0])
	args := tokens[1:]

	switch verb {
	case "GET", "GETS":
		if len(args) != 1 {
			return nil, fmt.Errorf("%s requires exactly 1 argument (key)", verb)
		}
		return GetRequest{Key: args[0], CAS: verb == "GETS"}, nil

	case "MGET":
		if len(args) < 1 {
			return nil, fmt.Errorf("MGET requires at least 1 key")
		}
		return MultiGetRequest{Keys: args}, nil

	case "SET", "ADD", "REPLACE":
		if len(args) != 2 && len(args) != 3 {
			return nil, fmt.Errorf("%s requires key and value, with an optional ttl", verb)
		}
		req := SetRequest{Verb: verb, Key: args[0], Value: args[1]}
		if len(args) == 3 {
			ttl, err := parseTTL(args[2])
			if err != nil {
				return nil, err
			}
			req.TTL = ttl
		}
		return req, nil

	case "CAS":
		if len(args) != 3 && len(args) != 4 {
			return nil, fmt.Errorf("CAS requires key, value and token, with an optional ttl")
		}
		token, err := strconv.ParseUint(args[2], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid cas token %q", args[2])
		}
		req := CasRequest{Key: args[0], Value: args[1], Token: token}
		if len(args) == 4 {
			ttl, err := parseTTL(args[3])
			if err != nil {
				return nil, err
			}
			req.TTL = ttl
		}
		return req, nil

	case "DELETE":
		if len(args) != 1 {
			return nil, fmt.Errorf("DELETE requires exactly 1 argument (key)")
		}
		return DeleteRequest{Key: args[0]}, nil

	case "INCR", "DECR":
		if len(args) != 1 && len(args) != 2 {
			return nil, fmt.Errorf("%s requires a key and an optional delta", verb)
		}
		req := CounterRequest{Key: args[0], Delta: 1, Decrement: verb == "DECR"}
		if len(args) == 2 {
			delta, err := strconv.ParseUint(args[1], 10, 64)
			if err != nil {
				return nil, fmt.Errorf("invalid delta %q", args[1])
			}
			req.Delta = delta
		}
		return req, nil

	case "TOUCH":
		if len(args) != 2 {
			return nil, fmt.Errorf("TOUCH requires key and ttl")
		}
		ttl, err := parseTTL(args[1])
		if err != nil {
			return nil, err
		}
		return TouchRequest{Key: args[0], TTL: ttl}, nil

	case "APPEND", "PREPEND":
		if len(args) != 2 {
			return nil, fmt.Errorf("%s requires key and value", verb)
		}
		return ConcatRequest{Key: args[0], Value: args[1], Prepend: verb == "PREPEND"}, nil

	case "STATS":
		if len(args) > 1 {
			return nil, fmt.Errorf("STATS takes at most 1 argument")
		}
		req := StatsRequest{}
		if len(args) == 1 {
			req.Argument = args[0]
		}
		return req, nil

	case "FLUSH":
		if len(args) > 1 {
			return nil, fmt.Errorf("FLUSH takes at most 1 argument (delay)")
		}
		req := FlushRequest{}
		if len(args) == 1 {
			delay, err := parseTTL(args[0])
			if err != nil {
				return nil, err
			}
			req.Delay = delay
		}
		return req, nil

	case "VERSION":
		if len(args) != 0 {
			return nil, fmt.Errorf("VERSION takes no arguments")
		}
		return VersionRequest{}, nil

	case "PING":
		if len(args) != 0 {
			return nil, fmt.Errorf("PING takes no arguments")
		}
		return PingRequest{}, nil

	default:
		return nil, fmt.Errorf("unknown query type: %s", tokens[0])
	}
}
