package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"execution-core/pkg/crypto"
)

const keysUsage = `usage: execution-core keys <command>

  generate   print a new base64 master key
  seal       read a secret from stdin, print it as an enc: reference
  rotate     read references from stdin, one per line, print them under the newest key`

// runKeys manages the enc: credential references used in the exchanges file.
// Keys come from MASTER_ENCRYPTION_KEY and its _V2.._V10 successors.
func runKeys(args []string, in io.Reader, out io.Writer) error {
	if len(args) == 0 {
		return errors.New(keysUsage)
	}
	if args[0] == "generate" {
		key, err := crypto.GenerateKey()
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(out, key)
		return err
	}

	keys, err := crypto.NewKeyManager()
	if err != nil {
		return err
	}
	r := crypto.NewResolver(keys)
	sc := bufio.NewScanner(in)
	switch args[0] {
	case "seal":
		if !sc.Scan() {
			return errors.New("seal: no secret on stdin")
		}
		ref, err := r.Seal(strings.TrimSpace(sc.Text()))
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(out, ref)
		return err
	case "rotate":
		for sc.Scan() {
			line := strings.TrimSpace(sc.Text())
			if line == "" {
				continue
			}
			ref, err := r.Rotate(line)
			if err != nil {
				return fmt.Errorf("rotate %.16s...: %w", line, err)
			}
			if _, err := fmt.Fprintln(out, ref); err != nil {
				return err
			}
		}
		return sc.Err()
	default:
		return errors.New(keysUsage)
	}
}

func keysCommand() bool {
	return len(os.Args) > 1 && os.Args[1] == "keys"
}
