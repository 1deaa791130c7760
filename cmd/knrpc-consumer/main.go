package main

import (
	"context"
	"fmt"
	"os"

	"github.com/urfave/cli"
	"go.uber.org/zap"

	"knrpc/config"
	"knrpc/consumer"
	"knrpc/demo/api"
	"knrpc/internal/logx"
	"knrpc/loadbalance"
)

func main() {
	def := config.DefaultConsumer()
	app := cli.NewApp()
	app.Name = "knrpc-consumer"
	app.Usage = "Call the demo UserService"
	app.Flags = []cli.Flag{
		cli.StringFlag{Name: "network", Value: def.Network, Usage: "tcp or http", EnvVar: "KNRPC_NETWORK"},
		cli.StringFlag{Name: "codec", Value: def.Codec, Usage: "json or binary", EnvVar: "KNRPC_CODEC"},
		cli.StringFlag{Name: "compressor", Usage: "none, gzip, lz4 or snappy", EnvVar: "KNRPC_COMPRESSOR"},
		cli.IntFlag{Name: "pool-size", Value: def.PoolSize, Usage: "connections per provider", EnvVar: "KNRPC_POOL_SIZE"},
		cli.BoolFlag{Name: "multiplex", Usage: "share one connection per provider", EnvVar: "KNRPC_MULTIPLEX"},
		cli.DurationFlag{Name: "timeout", Value: def.Timeout, Usage: "per call timeout", EnvVar: "KNRPC_TIMEOUT"},
		cli.StringFlag{Name: "balancer", Value: def.Balancer, Usage: "roundrobin, random or weighted", EnvVar: "KNRPC_BALANCER"},
		cli.StringFlag{Name: "region", Usage: "only call instances of this region", EnvVar: "KNRPC_REGION"},
		cli.StringFlag{Name: "registry", Value: def.Registry.Kind, Usage: "etcd or redis", EnvVar: "KNRPC_REGISTRY"},
		cli.StringSliceFlag{Name: "registry-endpoint", Usage: "registry endpoints (default 127.0.0.1:2379)", EnvVar: "KNRPC_REGISTRY_ENDPOINTS"},
		cli.StringFlag{Name: "log-level", Value: def.LogLevel, Usage: "dev, debug, info, warn, error", EnvVar: "KNRPC_LOG_LEVEL"},
	}
	app.Commands = []cli.Command{
		{
			Name:      "find",
			Usage:     "look a user up by id, and by name when given",
			ArgsUsage: "ID [NAME]",
			Action:    findCommand,
		},
		{
			Name:      "list",
			Usage:     "list user ids",
			ArgsUsage: "LIMIT",
			Action:    listCommand,
		},
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func consumerConfig(c *cli.Context) config.Consumer {
	cfg := config.DefaultConsumer()
	cfg.Network = c.GlobalString("network")
	cfg.Codec = c.GlobalString("codec")
	cfg.Compressor = c.GlobalString("compressor")
	cfg.PoolSize = c.GlobalInt("pool-size")
	cfg.Multiplex = c.GlobalBool("multiplex")
	cfg.Timeout = c.GlobalDuration("timeout")
	cfg.Balancer = c.GlobalString("balancer")
	cfg.Region = c.GlobalString("region")
	cfg.Registry.Kind = c.GlobalString("registry")
	if endpoints := c.GlobalStringSlice("registry-endpoint"); len(endpoints) > 0 {
		cfg.Registry.Endpoints = endpoints
	}
	cfg.LogLevel = c.GlobalString("log-level")
	return cfg
}

// withUserService builds the whole consumer stack, hands the demo client
// to fn and tears everything down afterwards.
func withUserService(c *cli.Context, fn func(ctx context.Context, svc api.UserService) error) error {
	cfg := consumerConfig(c)
	logger, err := logx.New(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	reg, err := cfg.Registry.Open(logger)
	if err != nil {
		return err
	}
	defer reg.Close()
	tr, err := cfg.Transport(logger)
	if err != nil {
		return err
	}
	lb, err := loadbalance.ByName(cfg.Balancer)
	if err != nil {
		return err
	}

	client := consumer.NewClient(reg, consumer.NewRPCContext(cfg.Router(), lb), tr, consumer.ClientWithLogger(logger))
	defer func() {
		if err := client.Close(); err != nil {
			logger.Warn("close client", zap.Error(err))
		}
	}()
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Timeout)
	defer cancel()
	stub, err := consumer.StubOf[api.UserService](ctx, client)
	if err != nil {
		return err
	}
	return fn(ctx, api.NewUserServiceClient(stub))
}

func findCommand(c *cli.Context) error {
	var id int
	if _, err := fmt.Sscan(c.Args().First(), &id); err != nil {
		return cli.NewExitError("ID must be an integer", 2)
	}
	return withUserService(c, func(ctx context.Context, svc api.UserService) error {
		var (
			user *api.User
			err  error
		)
		if name := c.Args().Get(1); name != "" {
			user, err = svc.FindByIdAndName(id, name)
		} else {
			user, err = svc.FindById(id)
		}
		if err != nil {
			return err
		}
		if user == nil {
			return cli.NewExitError(fmt.Sprintf("user %d not found", id), 1)
		}
		fmt.Printf("%d\t%s\n", user.ID, user.Name)
		return nil
	})
}

func listCommand(c *cli.Context) error {
	limit := 10
	if arg := c.Args().First(); arg != "" {
		if _, err := fmt.Sscan(arg, &limit); err != nil {
			return cli.NewExitError("LIMIT must be an integer", 2)
		}
	}
	return withUserService(c, func(ctx context.Context, svc api.UserService) error {
		ids, err := svc.ListIds(ctx, limit)
		if err != nil {
			return err
		}
		for _, id := range ids {
			fmt.Println(id)
		}
		return nil
	})
}
