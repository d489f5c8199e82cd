package cmd

import (
	"log"

	"github.com/arcward/guildkit/guildkit"
	"github.com/bwmarrin/discordgo"
	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run [flags]",
	Short: "Starts the bot, job scheduler and (optionally) the admin API",
	Run: func(cmd *cobra.Command, _ []string) {
		ctx := cmd.Context()

		if botConfig.DiscordToken == "" {
			log.Fatal(
				"Environment variable GUILDKIT_DISCORD_TOKEN not set",
			)
		}

		session, err := discordgo.New("Bot " + botConfig.DiscordToken)
		if err != nil {
			log.Fatalf("error creating discord session: %s", err.Error())
		}
		session.Identify.Intents = discordgo.IntentsAllWithoutPrivileged

		kit, err := guildkit.New(ctx, session, cfg)
		if err != nil {
			log.Fatalf("error creating kit: %s", err.Error())
		}
		kit.Attach()

		if err = session.Open(); err != nil {
			log.Fatalf("error connecting to discord: %s", err.Error())
		}
		defer func() {
			_ = session.Close()
		}()

		if err = kit.Run(ctx); err != nil {
			log.Fatalf("error running kit: %s", err.Error())
		}
	},
}

//goland:noinspection GoLinter
func init() {
	rootCmd.AddCommand(runCmd)
}
