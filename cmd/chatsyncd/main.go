package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"go.uber.org/fx"

	"github.com/skillmart/chatsync/internal/daemon"
	"github.com/skillmart/chatsync/internal/profile"
)

func main() {
	profileFlag := flag.String("profile", "", "profile name (overrides config default)")
	userFlag := flag.String("user", "", "user id this daemon syncs for")
	flag.Parse()

	// Optional .env for the bearer token; real env always wins.
	_ = godotenv.Load()

	name := profile.Resolve(*profileFlag)
	if err := profile.ValidateName(name); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	userID := *userFlag
	if userID == "" {
		userID = os.Getenv("CHATSYNC_USER_ID")
	}
	if userID == "" {
		fmt.Fprintln(os.Stderr, "error: user id required (-user flag or CHATSYNC_USER_ID)")
		os.Exit(1)
	}

	app := fx.New(
		daemon.Module(daemon.Params{Profile: name, UserID: userID}),
	)

	app.Run()
}
