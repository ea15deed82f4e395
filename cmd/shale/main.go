// Command shale is the command-line front end: put, scan and rm against a
// store directory.
//
//	shale -dir ./data put mykey myvalue
//	shale -dir ./data scan a z
//	shale -dir ./data rm mykey
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/return2faye/ShaleKV/pkg/kv"
)

func main() {
	dir := flag.String("dir", ".", "store directory")
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		usage()
		os.Exit(2)
	}

	store, err := kv.Open(kv.Options{Path: *dir})
	if err != nil {
		fmt.Fprintf(os.Stderr, "shale: %v\n", err)
		os.Exit(1)
	}

	if err := run(store, args); err != nil {
		store.Close()
		fmt.Fprintf(os.Stderr, "shale: %v\n", err)
		os.Exit(1)
	}
	if err := store.Close(); err != nil {
		fmt.Fprintf(os.Stderr, "shale: %v\n", err)
		os.Exit(1)
	}
}

func run(store *kv.Store, args []string) error {
	switch args[0] {
	case "put":
		if len(args) != 3 {
			usage()
			os.Exit(2)
		}
		_, _, err := store.Put([]byte(args[1]), []byte(args[2]))
		return err

	case "rm":
		if len(args) != 2 {
			usage()
			os.Exit(2)
		}
		// Removing an absent key still exits 0.
		_, _, err := store.Delete([]byte(args[1]))
		return err

	case "scan":
		if len(args) != 2 && len(args) != 3 {
			usage()
			os.Exit(2)
		}
		var hi []byte
		if len(args) == 3 {
			hi = []byte(args[2])
		}
		return store.Scan([]byte(args[1]), hi, func(key, value []byte) bool {
			fmt.Printf("%s\t%s\n", key, value)
			return true
		})

	default:
		usage()
		os.Exit(2)
		return nil
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: shale -dir <path> put <key> <value> | rm <key> | scan <key1> [<key2>]")
}
