package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"chordcache/src/api"

	"github.com/dustin/go-humanize"
)

var errMissingArg = errors.New("missing argument")

// runREPL reads one command per line from in and writes one response per
// command to out. Arguments containing spaces are double quoted; the last
// argument of CACHE and CACHESEARCH is the rest of the line.
//
// Responses are "OK: <result>", "MISS: <reason>" or "ERROR: <reason>".
func runREPL(in io.Reader, out io.Writer) error {
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		command, rest, _ := nextArg(line)
		command = strings.ToUpper(command)
		if command == "CLOSE" {
			reply(out, api.Close(), "closed")
			return nil
		}
		if err := dispatch(out, command, rest); err != nil {
			fmt.Fprintf(out, "ERROR: %v\n", err)
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("error reading input: %w", err)
	}
	return nil
}

func dispatch(out io.Writer, command, rest string) error {
	switch command {
	case "CACHE":
		args, content, err := splitArgs(rest, 3)
		if err != nil {
			return fmt.Errorf("CACHE requires: artist title saved json")
		}
		saved, err := strconv.ParseBool(args[2])
		if err != nil {
			return fmt.Errorf("invalid saved flag %q", args[2])
		}
		reply(out, api.CacheChordSheet(args[0], args[1], []byte(content), saved), "cached")

	case "GET":
		args, _, err := splitArgs(rest, 2)
		if err != nil {
			return fmt.Errorf("GET requires: artist title")
		}
		result(out, api.GetCachedChordSheet(args[0], args[1]))

	case "GETPATH":
		args, _, err := splitArgs(rest, 1)
		if err != nil {
			return fmt.Errorf("GETPATH requires: path")
		}
		result(out, api.GetCachedChordSheetByPath(args[0]))

	case "SEARCH":
		args, _, err := splitArgs(rest, 2)
		if err != nil {
			return fmt.Errorf("SEARCH requires: artist song")
		}
		result(out, api.Search(args[0], args[1]))

	case "CACHESEARCH":
		args, content, err := splitArgs(rest, 1)
		if err != nil {
			return fmt.Errorf("CACHESEARCH requires: query json")
		}
		reply(out, api.CacheSearchResults(args[0], []byte(content)), "cached")

	case "GETSEARCH":
		args, _, err := splitArgs(rest, 1)
		if err != nil {
			return fmt.Errorf("GETSEARCH requires: query")
		}
		result(out, api.GetCachedSearchResults(args[0]))

	case "SAVED":
		result(out, api.SavedChordSheets())

	case "SWEEP":
		n := api.ClearExpiredEntries()
		reply(out, n >= 0, fmt.Sprintf("removed %d", n))

	case "CLEAR":
		reply(out, api.ClearAllCache(), "cleared")

	case "CLEARSEARCH":
		reply(out, api.ClearSearchCache(), "cleared")

	case "STATS":
		s, ok := api.Stats()
		if !ok {
			return fmt.Errorf("failed to read stats")
		}
		fmt.Fprintf(out, "OK: schema=%d size=%s chordSheets=%d saved=%d searches=%d\n",
			s.SchemaVersion, humanize.Bytes(uint64(max(s.DatabaseBytes, 0))), s.ChordSheets, s.SavedSheets, s.Searches)

	default:
		return fmt.Errorf("unknown command: %s", command)
	}
	return nil
}

func reply(out io.Writer, ok bool, what string) {
	if ok {
		fmt.Fprintf(out, "OK: %s\n", what)
		return
	}
	fmt.Fprintf(out, "ERROR: failed: %s\n", what)
}

func result(out io.Writer, content []byte) {
	if content == nil {
		fmt.Fprintln(out, "MISS: cache not found")
		return
	}
	fmt.Fprintf(out, "OK: %s\n", content)
}

// splitArgs reads n arguments from line and returns them with the trimmed
// remainder.
func splitArgs(line string, n int) ([]string, string, error) {
	args := make([]string, 0, n)
	for range n {
		arg, rest, err := nextArg(line)
		if err != nil {
			return nil, "", err
		}
		args = append(args, arg)
		line = rest
	}
	return args, strings.TrimSpace(line), nil
}

// nextArg splits the first argument off line. A double quoted argument may
// contain spaces and Go escape sequences.
func nextArg(line string) (string, string, error) {
	line = strings.TrimLeft(line, " \t")
	if line == "" {
		return "", "", errMissingArg
	}
	if line[0] == '"' {
		quoted, err := strconv.QuotedPrefix(line)
		if err != nil {
			return "", "", err
		}
		arg, err := strconv.Unquote(quoted)
		return arg, line[len(quoted):], err
	}
	if i := strings.IndexAny(line, " \t"); i >= 0 {
		return line[:i], line[i:], nil
	}
	return line, "", nil
}
