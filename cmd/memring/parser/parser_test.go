package parser

import (
	"reflect"
	"testing"
	"time"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected interface{}
		wantErr  bool
	}{
		{
			name:     "get",
			input:    "GET mykey",
			expected: GetRequest{Key: "mykey"},
		},
		{
			name:     "gets returns cas",
			input:    "GETS mykey",
			expected: GetRequest{Key: "mykey", CAS: true},
		},
		{
			name:     "lowercase verb",
			input:    "get mykey",
			expected: GetRequest{Key: "mykey"},
		},
		{
			name:     "mget",
			input:    "MGET a b c",
			expected: MultiGetRequest{Keys: []string{"a", "b", "c"}},
		},
		{
			name:     "set",
			input:    "SET mykey myvalue",
			expected: SetRequest{Verb: "SET", Key: "mykey", Value: "myvalue"},
		},
		{
			name:     "set with quoted value",
			input:    `SET mykey "hello world"`,
			expected: SetRequest{Verb: "SET", Key: "mykey", Value: "hello world"},
		},
		{
			name:     "set with ttl seconds",
			input:    "SET mykey myvalue 60",
			expected: SetRequest{Verb: "SET", Key: "mykey", Value: "myvalue", TTL: time.Minute},
		},
		{
			name:     "set with ttl duration",
			input:    "SET mykey myvalue 5m",
			expected: SetRequest{Verb: "SET", Key: "mykey", Value: "myvalue", TTL: 5 * time.Minute},
		},
		{
			name:     "add",
			input:    "ADD mykey myvalue",
			expected: SetRequest{Verb: "ADD", Key: "mykey", Value: "myvalue"},
		},
		{
			name:     "replace",
			input:    "REPLACE mykey myvalue",
			expected: SetRequest{Verb: "REPLACE", Key: "mykey", Value: "myvalue"},
		},
		{
			name:     "cas",
			input:    "CAS mykey myvalue 42",
			expected: CasRequest{Key: "mykey", Value: "myvalue", Token: 42},
		},
		{
			name:     "cas with ttl",
			input:    "CAS mykey myvalue 42 30",
			expected: CasRequest{Key: "mykey", Value: "myvalue", Token: 42, TTL: 30 * time.Second},
		},
		{
			name:     "delete",
			input:    "DELETE mykey",
			expected: DeleteRequest{Key: "mykey"},
		},
		{
			name:     "incr default delta",
			input:    "INCR counter",
			expected: CounterRequest{Key: "counter", Delta: 1},
		},
		{
			name:     "incr explicit delta",
			input:    "INCR counter 5",
			expected: CounterRequest{Key: "counter", Delta: 5},
		},
		{
			name:     "decr",
			input:    "DECR counter 2",
			expected: CounterRequest{Key: "counter", Delta: 2, Decrement: true},
		},
		{
			name:     "touch",
			input:    "TOUCH mykey 120",
			expected: TouchRequest{Key: "mykey", TTL: 2 * time.Minute},
		},
		{
			name:     "append",
			input:    "APPEND mykey tail",
			expected: ConcatRequest{Key: "mykey", Value: "tail"},
		},
		{
			name:     "prepend",
			input:    "PREPEND mykey head",
			expected: ConcatRequest{Key: "mykey", Value: "head", Prepend: true},
		},
		{
			name:     "stats",
			input:    "STATS",
			expected: StatsRequest{},
		},
		{
			name:     "stats with argument",
			input:    "STATS items",
			expected: StatsRequest{Argument: "items"},
		},
		{
			name:     "flush",
			input:    "FLUSH",
			expected: FlushRequest{},
		},
		{
			name:     "flush with delay",
			input:    "FLUSH 10",
			expected: FlushRequest{Delay: 10 * time.Second},
		},
		{
			name:     "version",
			input:    "VERSION",
			expected: VersionRequest{},
		},
		{
			name:     "ping",
			input:    "PING",
			expected: PingRequest{},
		},
		{name: "empty query", input: "", wantErr: true},
		{name: "unknown verb", input: "FROB mykey", wantErr: true},
		{name: "get missing key", input: "GET", wantErr: true},
		{name: "set missing value", input: "SET mykey", wantErr: true},
		{name: "set invalid ttl", input: "SET mykey myvalue never", wantErr: true},
		{name: "cas invalid token", input: "CAS mykey myvalue notanumber", wantErr: true},
		{name: "incr invalid delta", input: "INCR counter minus-one", wantErr: true},
		{name: "version with argument", input: "VERSION please", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := Parse(tt.input)

			if (err != nil) != tt.wantErr {
				t.Errorf("Parse() error = %v, wantErr %v", err, tt.wantErr)
				return
			}

			if !tt.wantErr {
				if !reflect.DeepEqual(result, tt.expected) {
					t.Errorf("Parse() got = %#v, want %#v", result, tt.expected)
				}
			}
		})
	}
}

func TestTokenize(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  []string
	}{
		{
			name:  "simple tokenization",
			input: "SET key value",
			want:  []string{"SET", "key", "value"},
		},
		{
			name:  "extra spaces",
			input: "SET   key    value",
			want:  []string{"SET", "key", "value"},
		},
		{
			name:  "double quoted value",
			input: `SET key "two words"`,
			want:  []string{"SET", "key", "two words"},
		},
		{
			name:  "single quoted value",
			input: "SET key 'two words'",
			want:  []string{"SET", "key", "two words"},
		},
		{
			name:  "escaped quote",
			input: `SET key va\"lue`,
			want:  []string{"SET", "key", `va"lue`},
		},
		{
			name:  "empty input",
			input: "",
			want:  []string{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tokenize(tt.input); !reflect.DeepEqual(got, tt.want) {
				t.Errorf("tokenize() = %v, want %v", got, tt.want)
			}
		})
	}
}
