// Command murmur-keygen is a small operator utility for issuing invite
// tokens and inspecting the user registry directly, without a running
// server connection. It talks to the same JSON registry files the server
// reads, via the registry package.
package main

import (
	"fmt"
	"os"
	"sort"

	"github.com/cchopin/murmur/registry"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "issue-token":
		cmdIssueToken(os.Args[2:])
	case "list-users":
		cmdListUsers(os.Args[2:])
	default:
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: murmur-keygen <issue-token|list-users> -tokens <path>|-users <path>")
}

func cmdIssueToken(args []string) {
	path := "tokens.json"
	for i := 0; i < len(args); i++ {
		if args[i] == "-tokens" && i+1 < len(args) {
			path = args[i+1]
		}
	}

	tokens, err := registry.LoadTokens(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	tok, err := tokens.Issue()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(tok)
}

func cmdListUsers(args []string) {
	path := "users.json"
	for i := 0; i < len(args); i++ {
		if args[i] == "-users" && i+1 < len(args) {
			path = args[i+1]
		}
	}

	users, err := registry.LoadUsers(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	names := users.List()
	sort.Strings(names)
	for _, name := range names {
		fmt.Println(name)
	}
}
