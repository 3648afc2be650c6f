// Command ragchat answers questions about a local document collection.
// It indexes the documents into a vector store and streams answers from a
// chat model, either from the terminal or over an HTTP/SSE API.
package main

import (
	"fmt"
	"os"

	"github.com/54b3r/ragchat/cmd/ragchat/commands"
)

func main() {
	if err := commands.NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
