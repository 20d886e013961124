package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
)

func main() {
	server := flag.String("server", "http://localhost:8080", "fleetd server URL")
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		usage()
		os.Exit(1)
	}

	switch args[0] {
	case "submit":
		submit(*server, args[1:])
	case "task":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "usage: fleetctl task <id>")
			os.Exit(1)
		}
		get(*server, "/api/tasks/"+args[1])
	case "status":
		get(*server, "/api/status")
	case "archive":
		get(*server, "/api/tasks/archive")
	default:
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Println("fleetctl - fleet orchestration client")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  submit -title <t> [-desc <d>] [-priority low|normal|high] [-timeout <seconds>]")
	fmt.Println("  task <id>       show one task's status")
	fmt.Println("  status          show queue and pool metrics")
	fmt.Println("  archive         list recently archived tasks")
}

func submit(server string, args []string) {
	fs := flag.NewFlagSet("submit", flag.ExitOnError)
	title := fs.String("title", "", "task title")
	desc := fs.String("desc", "", "task description")
	priority := fs.String("priority", "normal", "task priority")
	timeout := fs.Int("timeout", 0, "timeout in seconds (0 = server default)")
	fs.Parse(args)

	if *title == "" {
		fmt.Fprintln(os.Stderr, "submit: -title is required")
		os.Exit(1)
	}

	body, _ := json.Marshal(map[string]interface{}{
		"title":           *title,
		"description":     *desc,
		"priority":        *priority,
		"timeout_seconds": *timeout,
	})
	resp, err := http.Post(server+"/api/tasks", "application/json", bytes.NewReader(body))
	if err != nil {
		fmt.Fprintf(os.Stderr, "submit failed: %v\n", err)
		os.Exit(1)
	}
	defer resp.Body.Close()
	printJSON(resp)
}

func get(server, path string) {
	resp, err := http.Get(server + path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "request failed: %v\n", err)
		os.Exit(1)
	}
	defer resp.Body.Close()
	printJSON(resp)
}

func printJSON(resp *http.Response) {
	var v interface{}
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		fmt.Fprintf(os.Stderr, "bad response (%d): %v\n", resp.StatusCode, err)
		os.Exit(1)
	}
	out, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(out))
}
