package main

import (
	"bytes"
	"fmt"
	"io"
	"maps"
	"os"
	"strings"

	"github.com/Eyevinn/mp4ff/mp4"
	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"

	"mp4decrypt-go/pkg/crypto"
)

// keyFlags collects repeated -key values.
type keyFlags []string

func (k *keyFlags) String() string {
	return strings.Join(*k, ",")
}

func (k *keyFlags) Set(v string) error {
	*k = append(*k, v)
	return nil
}

// loadKeyFile reads a YAML mapping of hex key id to hex key:
//
//	00112233445566778899aabbccddeeff: ffeeddccbbaa99887766554433221100
func loadKeyFile(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var raw map[string]string
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	pairs := make(map[string]string, len(raw))
	for kid, key := range raw {
		pairs[strings.ReplaceAll(strings.TrimSpace(kid), "-", "")] = strings.TrimSpace(key)
	}
	return pairs, nil
}

// collectKeys merges -key flags over the key file.
func collectKeys(opts *options) (map[string]string, error) {
	pairs := make(map[string]string)
	if opts.keyFile != "" {
		fromFile, err := loadKeyFile(opts.keyFile)
		if err != nil {
			return nil, err
		}
		maps.Copy(pairs, fromFile)
	}
	if len(opts.keys) > 0 {
		fromFlags, err := crypto.ParseKeyPairs(opts.keys.String())
		if err != nil {
			return nil, err
		}
		maps.Copy(pairs, fromFlags)
	}
	if len(pairs) == 0 {
		return nil, fmt.Errorf("no keys given: use -key KID:KEY or -keys file.yaml")
	}
	return pairs, nil
}

// printBoxes lists the top-level boxes of a decrypted file.
func printBoxes(w io.Writer, data []byte) error {
	f, err := mp4.DecodeFile(bytes.NewReader(data))
	if err != nil {
		return err
	}
	for _, b := range f.Children {
		fmt.Fprintf(w, "  %s %s\n", b.Type(), humanize.IBytes(b.Size()))
	}
	return nil
}
