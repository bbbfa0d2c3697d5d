package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/pflag"

	"github.com/NicolasHaas/linechat/pkg/client"
	"github.com/NicolasHaas/linechat/pkg/logging"
	"github.com/NicolasHaas/linechat/pkg/version"
)

// quitTimeout bounds the wait for the server to close after LOGOUT.
const quitTimeout = 5 * time.Second

func main() {
	fs := pflag.NewFlagSet("linechat", pflag.ExitOnError)
	addr := fs.StringP("addr", "a", "localhost:8888", "Server address")
	user := fs.StringP("user", "u", "", "Log in as this user on connect")
	password := fs.StringP("password", "p", "", "Password for --user (registered accounts)")
	showVersion := fs.BoolP("version", "v", false, "Print version and exit")
	_ = fs.Parse(os.Args[1:])

	if *showVersion {
		fmt.Println(version.Banner("linechat"))
		return
	}

	// Default to "warn" so logs don't mix with chat.
	_ = logging.Setup(logging.Options{
		Level:  logging.LevelFromEnv("warn"),
		Format: "text",
		Output: os.Stderr,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	c, err := client.NewControlClient(ctx, *addr)
	cancel()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer c.Close()

	c.SetLineHandler(func(line string) { fmt.Println(line) })

	if *user != "" {
		if err := c.Login(*user, *password, 10*time.Second); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		fmt.Printf("logged in as %s\n", *user)
	}
	c.StartReceiving()

	input := make(chan string)
	go func() {
		defer close(input)
		sc := bufio.NewScanner(os.Stdin)
		for sc.Scan() {
			input <- sc.Text()
		}
	}()

	for {
		select {
		case <-c.Done():
			fmt.Fprintln(os.Stderr, "disconnected")
			return
		case line, ok := <-input:
			if !ok || strings.TrimSpace(line) == "/quit" {
				if err := c.Quit(quitTimeout); err != nil {
					fmt.Fprintln(os.Stderr, err)
				}
				return
			}
			if err := c.Send(line); err != nil {
				fmt.Fprintln(os.Stderr, err)
				return
			}
		}
	}
}
