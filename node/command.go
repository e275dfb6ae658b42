package node

import (
	"errors"
	"fmt"
	"strings"
)

// Command keywords. Matching is case sensitive, anything else is broadcast.
const (
	KeywordPut          = "PUT"
	KeywordGet          = "GET"
	KeywordPutProvider  = "PUT_PROVIDER"
	KeywordGetProviders = "GET_PROVIDERS"
	KeywordExit         = "EXIT"
)

var (
	ErrArityMismatch = errors.New("Wrong number of arguments")
	ErrEmptyLine     = errors.New("Empty line")
)

// A Command is one of Broadcast, Put, Get, PutProvider, GetProviders or Exit.
type Command interface {
	isCommand()
}

type Broadcast struct {
	Text string
}

type Put struct {
	Key   string
	Value string
}

type Get struct {
	Key string
}

type PutProvider struct {
	Key string
}

type GetProviders struct {
	Key string
}

type Exit struct{}

func (Broadcast) isCommand()    {}
func (Put) isCommand()          {}
func (Get) isCommand()          {}
func (PutProvider) isCommand()  {}
func (GetProviders) isCommand() {}
func (Exit) isCommand()         {}

type ParseError struct {
	Keyword string
	Want    int
	Got     int

	err error
}

func (e *ParseError) Error() string {
	if e.err == ErrArityMismatch {
		return fmt.Sprintf("%s takes %d argument(s), got %d", e.Keyword, e.Want, e.Got)
	}

	return e.err.Error()
}

func (e *ParseError) Unwrap() error {
	return e.err
}

// number of arguments each keyword takes
var arity = map[string]int{
	KeywordPut:          2,
	KeywordGet:          1,
	KeywordPutProvider:  1,
	KeywordGetProviders: 1,
	KeywordExit:         0,
	"Exit":              0,
}

// Parses a single line of user input. Free text has no reserved syntax, a line
// that does not start with a keyword is broadcast as is.
func Parse(line string) (Command, error) {
	line = strings.TrimRight(line, "\r\n")
	fields := strings.Fields(line)

	if len(fields) == 0 {
		return nil, &ParseError{err: ErrEmptyLine}
	}

	keyword, args := fields[0], fields[1:]

	want, ok := arity[keyword]

	if !ok {
		return Broadcast{Text: line}, nil
	}

	if len(args) != want {
		return nil, &ParseError{Keyword: keyword, Want: want, Got: len(args), err: ErrArityMismatch}
	}

	switch keyword {
	case KeywordPut:
		return Put{Key: args[0], Value: args[1]}, nil
	case KeywordGet:
		return Get{Key: args[0]}, nil
	case KeywordPutProvider:
		return PutProvider{Key: args[0]}, nil
	case KeywordGetProviders:
		return GetProviders{Key: args[0]}, nil
	}

	return Exit{}, nil
}
