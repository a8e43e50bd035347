// zapcli is the operator's companion tool: key generation and inspection,
// a status dump from a running bot, and an on-network balance check.
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/alexflint/go-arg"
	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip19"

	"zapai.dev/pkg/protocol/kind"
	"zapai.dev/pkg/signer"
	"zapai.dev/pkg/utils/chk"
	"zapai.dev/pkg/utils/context"
	"zapai.dev/pkg/utils/keys"
	"zapai.dev/pkg/version"
)

type keyCmd struct {
	Nsec string `arg:"--nsec" help:"existing secret key (nsec or hex) to inspect; omit to generate"`
}

type statusCmd struct {
	URL      string `arg:"positional,required" help:"base URL of the bot's web port, e.g. http://localhost:3000"`
	Password string `arg:"--password" help:"dashboard password when the status endpoint is protected"`
}

type balanceCmd struct {
	Nsec    string   `arg:"--nsec,required" help:"your secret key (nsec or hex)"`
	Bot     string   `arg:"--bot,required" help:"the bot's public key (npub or hex)"`
	Relays  []string `arg:"--relay,separate,required" help:"relay URL, repeatable"`
	Timeout int      `arg:"--timeout" default:"15" help:"seconds to wait for the answer"`
}

type args struct {
	Key     *keyCmd     `arg:"subcommand:key" help:"generate or inspect a keypair"`
	Status  *statusCmd  `arg:"subcommand:status" help:"dump a running bot's status counters"`
	Balance *balanceCmd `arg:"subcommand:balance" help:"ask the bot for your sat balance over nostr"`
}

func (args) Version() string { return "zapcli " + version.V }

func main() {
	var a args
	p := arg.MustParse(&a)
	var err error
	switch {
	case a.Key != nil:
		err = runKey(a.Key)
	case a.Status != nil:
		err = runStatus(a.Status)
	case a.Balance != nil:
		err = runBalance(a.Balance)
	default:
		p.WriteHelp(os.Stderr)
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: %s\n", err)
		os.Exit(1)
	}
}

func runKey(cmd *keyCmd) (err error) {
	sec := cmd.Nsec
	if sec == "" {
		sec = nostr.GeneratePrivateKey()
	} else if sec, err = keys.DecodeNsecOrHex(sec); chk.E(err) {
		return
	}
	var pub, nsec, npub string
	if pub, err = nostr.GetPublicKey(sec); chk.E(err) {
		return
	}
	if nsec, err = nip19.EncodePrivateKey(sec); chk.E(err) {
		return
	}
	if npub, err = nip19.EncodePublicKey(pub); chk.E(err) {
		return
	}
	fmt.Printf("sec (hex):  %s\nsec (nsec): %s\npub (hex):  %s\npub (npub): %s\n",
		sec, nsec, pub, npub)
	return
}

func runStatus(cmd *statusCmd) (err error) {
	req, err := http.NewRequest(http.MethodGet, cmd.URL+"/status", nil)
	if chk.E(err) {
		return
	}
	if cmd.Password != "" {
		req.SetBasicAuth("admin", cmd.Password)
	}
	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if chk.E(err) {
		return
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if chk.E(err) {
		return
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("status endpoint answered %s: %s", resp.Status, body)
	}
	var pretty map[string]any
	if err = json.Unmarshal(body, &pretty); chk.E(err) {
		return
	}
	out, _ := json.MarshalIndent(pretty, "", "  ")
	fmt.Println(string(out))
	return
}

// runBalance publishes an ephemeral balance query addressed to the bot and
// waits for the matching ephemeral announcement.
func runBalance(cmd *balanceCmd) (err error) {
	var sec, botPub string
	if sec, err = keys.DecodeNsecOrHex(cmd.Nsec); chk.E(err) {
		return
	}
	if botPub, err = keys.DecodeNpubOrHex(cmd.Bot); chk.E(err) {
		return
	}
	var sign *signer.S
	if sign, err = signer.New(sec); chk.E(err) {
		return
	}
	ctx, cancel := context.Timeout(
		context.Bg(), time.Duration(cmd.Timeout)*time.Second,
	)
	defer cancel()
	query := &nostr.Event{
		Kind:      kind.BalanceQuery,
		CreatedAt: nostr.Now(),
		Tags:      nostr.Tags{{"p", botPub}},
	}
	if err = sign.Sign(query); chk.E(err) {
		return
	}
	answers := make(chan string, 1)
	published := false
	for _, url := range cmd.Relays {
		relay, cerr := nostr.RelayConnect(ctx, url)
		if cerr != nil {
			fmt.Fprintf(os.Stderr, "relay %s: %s\n", url, cerr)
			continue
		}
		defer relay.Close()
		since := nostr.Now()
		sub, serr := relay.Subscribe(ctx, nostr.Filters{{
			Kinds:   []int{kind.BalanceAnnouncement},
			Authors: []string{botPub},
			Tags:    nostr.TagMap{"p": []string{sign.Pub()}},
			Since:   &since,
		}})
		if serr != nil {
			fmt.Fprintf(os.Stderr, "relay %s: %s\n", url, serr)
			continue
		}
		go func() {
			for ev := range sub.Events {
				if ev != nil {
					select {
					case answers <- ev.Content:
					default:
					}
					return
				}
			}
		}()
		if perr := relay.Publish(ctx, *query); perr == nil {
			published = true
		}
	}
	if !published {
		return fmt.Errorf("no relay accepted the balance query")
	}
	select {
	case content := <-answers:
		fmt.Println(content)
	case <-ctx.Done():
		return fmt.Errorf("no answer within %ds", cmd.Timeout)
	}
	return
}
