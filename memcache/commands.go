package memcache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// LegacyClusterKey holds the cluster configuration on engines older than 1.4.14.
const LegacyClusterKey = "AmazonElastiCache:cluster"

var (
	versionCmd          = "version\r\n"
	configGetClusterCmd = "config get cluster\r\n"
	getCmd              = "get %s\r\n"
	setCmd              = "set %s %d %d %d\r\n"
	deleteCmd           = "delete %s\r\n"
	arithCmd            = "%s %s %d\r\n"
)

// Version returns the engine version reported by the node, e.g. "1.6.22".
func (c *Conn) Version(ctx context.Context) (string, error) {
	if err := c.send(ctx, versionCmd); err != nil {
		return "", err
	}

	line, err := c.readLine()
	if err != nil {
		return "", err
	}

	if !strings.HasPrefix(line, "VERSION ") {
		return "", unexpected(line)
	}
	return strings.TrimSpace(strings.TrimPrefix(line, "VERSION ")), nil
}

// ConfigGetCluster issues the auto-discovery command and returns the payload
// lines between the CONFIG header and END, joined with "\n".
func (c *Conn) ConfigGetCluster(ctx context.Context) ([]byte, error) {
	if err := c.send(ctx, configGetClusterCmd); err != nil {
		return nil, err
	}

	header, err := c.readLine()
	if err != nil {
		return nil, err
	}
	if !strings.HasPrefix(header, "CONFIG cluster") {
		return nil, unexpected(header)
	}

	var lines []string
	for {
		line, err := c.readLine()
		if err != nil {
			return nil, err
		}
		if line == "END" {
			break
		}
		lines = append(lines, line)
	}

	return []byte(strings.Join(lines, "\n")), nil
}

// Get fetches the given keys in a single request. Missing keys are absent from the result.
func (c *Conn) Get(ctx context.Context, keys ...string) (map[string]*Item, error) {
	for _, key := range keys {
		if !ValidKey(key) {
			return nil, ErrMalformedKey
		}
	}

	if err := c.send(ctx, fmt.Sprintf(getCmd, strings.Join(keys, " "))); err != nil {
		return nil, err
	}

	var items = make(map[string]*Item, len(keys))
	for {
		line, err := c.readLine()
		if err != nil {
			return nil, err
		}
		if line == "END" {
			return items, nil
		}

		item, err := c.readValue(line)
		if err != nil {
			return nil, err
		}
		items[item.Key] = item
	}
}

// readValue parses a "VALUE <key> <flags> <bytes> [<cas>]" header and its data block.
func (c *Conn) readValue(header string) (*Item, error) {
	var fields = strings.Fields(header)
	if len(fields) < 4 || fields[0] != "VALUE" {
		return nil, unexpected(header)
	}

	flags, err := strconv.ParseUint(fields[2], 10, 32)
	if err != nil {
		return nil, fmt.Errorf("%w: bad flags in %q", ErrMalformedResponse, header)
	}
	size, err := strconv.Atoi(fields[3])
	if err != nil || size < 0 {
		return nil, fmt.Errorf("%w: bad length in %q", ErrMalformedResponse, header)
	}

	var data = make([]byte, size+2)
	if _, err := io.ReadFull(c.rw, data); err != nil {
		return nil, fmt.Errorf("memcache: read value from %s: %w", c.addr, err)
	}
	if string(data[size:]) != "\r\n" {
		return nil, fmt.Errorf("%w: value block for %s not terminated", ErrMalformedResponse, fields[1])
	}

	return &Item{
		Key:   fields[1],
		Value: data[:size],
		Flags: uint32(flags),
	}, nil
}

// Set stores item unconditionally.
func (c *Conn) Set(ctx context.Context, item *Item) error {
	if !ValidKey(item.Key) {
		return ErrMalformedKey
	}

	if err := c.send(ctx, setCommand(item)...); err != nil {
		return err
	}

	line, err := c.readLine()
	if err != nil {
		return err
	}
	return storeReply(line)
}

// SetMulti pipelines a set for every item: all commands are written in one
// flush, then the replies are read in order. results holds the outcome per
// item. err is set when the connection failed and must not be reused.
func (c *Conn) SetMulti(ctx context.Context, items []*Item) (results []error, err error) {
	results = make([]error, len(items))

	var parts []string
	for i, item := range items {
		if !ValidKey(item.Key) {
			results[i] = ErrMalformedKey
			continue
		}
		parts = append(parts, setCommand(item)...)
	}

	return results, c.pipeline(ctx, parts, results, storeReply)
}

func setCommand(item *Item) []string {
	return []string{
		fmt.Sprintf(setCmd, item.Key, item.Flags, item.Expiration, len(item.Value)),
		string(item.Value),
		"\r\n",
	}
}

func storeReply(line string) error {
	switch line {
	case "STORED":
		return nil
	case "NOT_STORED":
		return ErrNotStored
	}
	return unexpected(line)
}

// Delete removes key. A missing key yields ErrCacheMiss.
func (c *Conn) Delete(ctx context.Context, key string) error {
	if !ValidKey(key) {
		return ErrMalformedKey
	}

	if err := c.send(ctx, fmt.Sprintf(deleteCmd, key)); err != nil {
		return err
	}

	line, err := c.readLine()
	if err != nil {
		return err
	}
	return deleteReply(line)
}

// DeleteMulti pipelines a delete for every key, like SetMulti.
func (c *Conn) DeleteMulti(ctx context.Context, keys []string) (results []error, err error) {
	results = make([]error, len(keys))

	var parts []string
	for i, key := range keys {
		if !ValidKey(key) {
			results[i] = ErrMalformedKey
			continue
		}
		parts = append(parts, fmt.Sprintf(deleteCmd, key))
	}

	return results, c.pipeline(ctx, parts, results, deleteReply)
}

func deleteReply(line string) error {
	switch line {
	case "DELETED":
		return nil
	case "NOT_FOUND":
		return ErrCacheMiss
	}
	return unexpected(line)
}

// pipeline sends parts in one write and reads one reply for every slot of
// results that is still nil. A reply that is neither a result nor an error
// reply leaves the stream out of sync and fails the whole call.
func (c *Conn) pipeline(ctx context.Context, parts []string, results []error, reply func(string) error) error {
	if len(parts) == 0 {
		return nil
	}

	if err := c.send(ctx, parts...); err != nil {
		return err
	}

	for i := range results {
		if results[i] != nil {
			continue
		}

		line, err := c.readLine()
		if err != nil {
			return err
		}

		results[i] = reply(line)
		if errors.Is(results[i], ErrMalformedResponse) {
			return results[i]
		}
	}
	return nil
}

// Incr atomically adds delta to a numeric value and returns the new value.
func (c *Conn) Incr(ctx context.Context, key string, delta uint64) (uint64, error) {
	return c.arith(ctx, "incr", key, delta)
}

// Decr atomically subtracts delta from a numeric value, stopping at zero.
func (c *Conn) Decr(ctx context.Context, key string, delta uint64) (uint64, error) {
	return c.arith(ctx, "decr", key, delta)
}

func (c *Conn) arith(ctx context.Context, verb, key string, delta uint64) (uint64, error) {
	if !ValidKey(key) {
		return 0, ErrMalformedKey
	}

	if err := c.send(ctx, fmt.Sprintf(arithCmd, verb, key, delta)); err != nil {
		return 0, err
	}

	line, err := c.readLine()
	if err != nil {
		return 0, err
	}

	if line == "NOT_FOUND" {
		return 0, ErrCacheMiss
	}

	value, parseErr := strconv.ParseUint(line, 10, 64)
	if parseErr != nil {
		return 0, unexpected(line)
	}
	return value, nil
}
