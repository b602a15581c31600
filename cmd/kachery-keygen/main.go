// Command kachery-keygen manages the daemon's Ed25519 node identity.
// Grounded on the teacher's cmd/keygen (generate/show subcommands, flag.
// NewFlagSet-per-subcommand dispatch), adapted to internal/signature's
// hex-encoded keypair files in place of the teacher's base64-plus-
// passphrase-encrypted keystore.
package main

import (
	"crypto/sha256"
	"flag"
	"fmt"
	"os"

	"github.com/kacheryhub/kachery-daemon/internal/signature"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "generate":
		generateCmd(os.Args[2:])
	case "show":
		showCmd(os.Args[2:])
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("kachery-keygen - node identity management")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  kachery-keygen generate [flags]  - generate (or load) the node identity")
	fmt.Println("  kachery-keygen show [flags]       - display the node's feedId and fingerprint")
}

func generateCmd(args []string) {
	fs := flag.NewFlagSet("generate", flag.ExitOnError)
	privPath := fs.String("priv", "", "private key path (default: ~/.kachery-daemon/id_ed25519)")
	pubPath := fs.String("pub", "", "public key path (default: <priv>.pub)")
	fs.Parse(args)

	kp, err := signature.LoadOrCreate(*privPath, *pubPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load or create identity: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("Node identity ready.")
	fmt.Println()
	printIdentity(kp.FeedID())
}

func showCmd(args []string) {
	fs := flag.NewFlagSet("show", flag.ExitOnError)
	privPath := fs.String("priv", "", "private key path (default: ~/.kachery-daemon/id_ed25519)")
	pubPath := fs.String("pub", "", "public key path (default: <priv>.pub)")
	fs.Parse(args)

	kp, err := signature.LoadOrCreate(*privPath, *pubPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to read identity: %v\n", err)
		fmt.Fprintln(os.Stderr, "run 'kachery-keygen generate' first")
		os.Exit(1)
	}
	printIdentity(kp.FeedID())
}

func printIdentity(feedID string) {
	hash := sha256.Sum256([]byte(feedID))
	fmt.Println("feedId (hex Ed25519 public key):")
	fmt.Printf("  %s\n", feedID)
	fmt.Println()
	fmt.Printf("Fingerprint: SHA256:%x\n", hash[:8])
}
