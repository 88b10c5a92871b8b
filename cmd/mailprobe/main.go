/*
Mailprobe - Email address verification service.
Copyright © 2024 Mailprobe contributors

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/foxcpp/mailprobe"
	"github.com/foxcpp/mailprobe/framework/config"
	"github.com/foxcpp/mailprobe/framework/log"
	"github.com/foxcpp/mailprobe/internal/authn"
	"github.com/foxcpp/mailprobe/internal/limiters"
	"github.com/foxcpp/mailprobe/internal/store"
)

func main() {
	app := &cli.App{
		Name:    "mailprobe",
		Usage:   "email address verification service",
		Version: mailprobe.BuildInfo(),
		Commands: []*cli.Command{
			{
				Name:  "run",
				Usage: "Start the verification service",
				Action: func(*cli.Context) error {
					cfg, err := config.FromEnv()
					if err != nil {
						return err
					}
					return mailprobe.Run(cfg)
				},
			},
			{
				Name:  "api-key",
				Usage: "API key management",
				Subcommands: []*cli.Command{
					{
						Name:  "create",
						Usage: "Create a new API key",
						Flags: []cli.Flag{
							&cli.StringFlag{
								Name:  "tier",
								Usage: "Rate limiting tier (basic, pro, enterprise, unlimited)",
								Value: "basic",
							},
							&cli.DurationFlag{
								Name:  "valid-for",
								Usage: "Key lifetime, 0 for no expiry",
							},
						},
						Action: func(ctx *cli.Context) error {
							return withKeys(func(cmdCtx context.Context, keys *authn.Manager) error {
								key, err := keys.Generate(cmdCtx,
									limiters.ParseTier(ctx.String("tier")), ctx.Duration("valid-for"))
								if err != nil {
									return err
								}
								fmt.Println(key)
								return nil
							})
						},
					},
					{
						Name:      "rotate",
						Usage:     "Replace a key, keeping the old one valid for a grace window",
						ArgsUsage: "KEY",
						Action: func(ctx *cli.Context) error {
							if ctx.NArg() != 1 {
								return cli.Exit("usage: mailprobe api-key rotate KEY", 2)
							}
							return withKeys(func(cmdCtx context.Context, keys *authn.Manager) error {
								key, err := keys.Rotate(cmdCtx, ctx.Args().First())
								if err != nil {
									return err
								}
								fmt.Println(key)
								return nil
							})
						},
					},
					{
						Name:      "revoke",
						Usage:     "Deactivate a key immediately",
						ArgsUsage: "KEY",
						Action: func(ctx *cli.Context) error {
							if ctx.NArg() != 1 {
								return cli.Exit("usage: mailprobe api-key revoke KEY", 2)
							}
							return withKeys(func(cmdCtx context.Context, keys *authn.Manager) error {
								return keys.Revoke(cmdCtx, ctx.Args().First())
							})
						},
					},
				},
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Println(err)
		os.Exit(2)
	}
}

func withKeys(fn func(ctx context.Context, keys *authn.Manager) error) error {
	cfg, err := config.FromEnv()
	if err != nil {
		return err
	}

	st := store.NewRedis(cfg.Redis)
	defer st.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := st.Ping(ctx); err != nil {
		return fmt.Errorf("redis at %s: %w", cfg.Redis.Addr(), err)
	}

	keys := authn.NewManager(st, log.Logger{Out: log.DefaultLogger.Out, Name: "authn", Debug: cfg.Debug})
	return fn(ctx, keys)
}
