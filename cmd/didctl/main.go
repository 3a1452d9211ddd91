package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/mr-tron/base58"
	"github.com/urfave/cli/v2"

	"didregistry/internal/hosttoken"
)

var flagServerAddr = &cli.StringFlag{
	Name:    "server",
	Value:   "http://127.0.0.1:8080",
	Usage:   "registry server address",
	EnvVars: []string{"DIDREGISTRY_SERVER"},
}

var flagToken = &cli.StringFlag{
	Name:     "token",
	Required: true,
	Usage:    "host token, see 'didctl token'",
	EnvVars:  []string{"DIDREGISTRY_TOKEN"},
}

func main() {
	app := &cli.App{
		Name:  "didctl",
		Usage: "Generate keys, mint host tokens and query a DID registry",
		Commands: []*cli.Command{
			{
				Name:  "keygen",
				Usage: "generate a key pair in registry format",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "type",
						Value: keyTypeEd25519,
						Usage: "'ed25519' or 'secp256k1'",
					},
				},
				Action: func(cCtx *cli.Context) error {
					kp, err := generateKey(cCtx.String("type"))
					if err != nil {
						return err
					}
					return printJSON(cCtx.App.Writer, kp)
				},
			},
			{
				Name:  "token",
				Usage: "mint a host token binding an account to its signing key",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "account", Required: true, Usage: "caller account id"},
					&cli.StringFlag{Name: "key", Required: true, Usage: "base58 signing public key"},
					&cli.StringFlag{Name: "secret", Required: true, Usage: "host token secret", EnvVars: []string{"HOST_TOKEN_SECRET"}},
					&cli.StringFlag{Name: "issuer", Value: "didregistry", EnvVars: []string{"HOST_TOKEN_ISSUER"}},
					&cli.StringFlag{Name: "audience", Value: "didregistry", EnvVars: []string{"HOST_TOKEN_AUDIENCE"}},
					&cli.DurationFlag{Name: "ttl", Value: 15 * time.Minute},
				},
				Action: func(cCtx *cli.Context) error {
					key, err := base58.Decode(cCtx.String("key"))
					if err != nil {
						return fmt.Errorf("could not decode key: %w", err)
					}
					tokens := hosttoken.NewService(cCtx.String("secret"), cCtx.String("issuer"), cCtx.String("audience"))
					token, err := tokens.Issue(cCtx.String("account"), key, cCtx.Duration("ttl"))
					if err != nil {
						return err
					}
					fmt.Fprintln(cCtx.App.Writer, token)
					return nil
				},
			},
			{
				Name:  "register",
				Usage: "register the token's account",
				Flags: []cli.Flag{flagServerAddr, flagToken},
				Action: func(cCtx *cli.Context) error {
					body, err := call(http.MethodPost, cCtx.String(flagServerAddr.Name)+"/subjects", cCtx.String(flagToken.Name), nil)
					if err != nil {
						return err
					}
					_, err = cCtx.App.Writer.Write(body)
					return err
				},
			},
			{
				Name:      "document",
				Usage:     "fetch the DID document of a subject",
				ArgsUsage: "<did>",
				Flags:     []cli.Flag{flagServerAddr},
				Action: func(cCtx *cli.Context) error {
					did := cCtx.Args().First()
					if did == "" {
						return fmt.Errorf("did argument is required")
					}
					body, err := call(http.MethodGet, cCtx.String(flagServerAddr.Name)+"/documents/"+did, "", nil)
					if err != nil {
						return err
					}
					var out bytes.Buffer
					if err := json.Indent(&out, body, "", "  "); err != nil {
						return fmt.Errorf("could not parse document: %w", err)
					}
					out.WriteByte('\n')
					_, err = out.WriteTo(cCtx.App.Writer)
					return err
				},
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

var httpClient = &http.Client{Timeout: 10 * time.Second}

func call(method, url, token string, payload any) ([]byte, error) {
	var reqBody io.Reader
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		reqBody = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, url, reqBody)
	if err != nil {
		return nil, err
	}
	if reqBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return nil, fmt.Errorf("%s %s: %d %s", method, url, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return body, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
