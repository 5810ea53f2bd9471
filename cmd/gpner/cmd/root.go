package cmd

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"k8s.io/klog/v2"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "gpner",
	Short: "Train and evaluate a global pointer NER model",
	Long: `Train and evaluate a named entity recognition model using the global pointer
span scheme, on a corpus of Chinese text annotated with character offsets.

The corpus is split in train (80%), validation (10%) and test (10%) sets with a fixed seed,
so "train" and "test" see the same split.

Examples:
  # Train, keeping the best checkpoint in ckpt/global_pointer
  gpner train --corpus=msra/ner/data.json

  # Evaluate the best checkpoint on the test split
  gpner test

  # Evaluate a given checkpoint
  gpner test --checkpoint=ckpt/global_pointer/epoch=3-val_loss=8.89.safetensors`,
	SilenceUsage: true,
}

// Execute runs the command line.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		klog.Errorf("%+v", err)
		klog.Flush()
		os.Exit(1)
	}
	klog.Flush()
}

func init() {
	cobra.OnInitialize(initConfig)

	klogFlags := flag.NewFlagSet("klog", flag.ExitOnError)
	klog.InitFlags(klogFlags)
	rootCmd.PersistentFlags().AddGoFlagSet(klogFlags)

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "config file path (e.g. gpner.yaml)")
	flags.String("corpus", defaultCorpus, "corpus file: JSON array of {text, entities}, or Parquet")
	flags.StringSlice("labels", defaultLabels, "entity types, in id order")
	flags.String("pretrained", defaultPretrained, "HuggingFace repository or local directory of the pretrained model and tokenizer")
	flags.Int("max-seq-length", defaultMaxSeqLength, "number of tokens of each sequence, special tokens included")
	flags.Uint64("seed", defaultSeed, "seed of the corpus split, shuffling and initialization")
	flags.Bool("check-tokenization", false, "check that encoded entities decode back to their text (slow)")
	flags.String("ckpt-dir", defaultCkptDir, "directory of the checkpoints")
	flags.String("backend", "", "GoMLX backend configuration, e.g. \"xla:cuda\" or \"simplego\" (default: auto)")
	flags.String("hf-token", "", "HuggingFace authentication token")
	flags.String("cache-dir", "", "HuggingFace cache directory")

	bindFlags(flags, map[string]string{
		"corpus":             "corpus",
		"labels":             "labels",
		"pretrained":         "pretrained",
		"max_seq_length":     "max-seq-length",
		"seed":               "seed",
		"check_tokenization": "check-tokenization",
		"ckpt_dir":           "ckpt-dir",
		"backend":            "backend",
		"hf_token":           "hf-token",
		"cache_dir":          "cache-dir",
	})
	viper.SetDefault("special_tokens", defaultSpecialTokens)
}

// bindFlags binds viper keys to flags.
func bindFlags(flags *pflag.FlagSet, keyToFlag map[string]string) {
	for key, name := range keyToFlag {
		mustBindPFlag(key, flags.Lookup(name))
	}
}

func mustBindPFlag(key string, flag *pflag.Flag) {
	if err := viper.BindPFlag(key, flag); err != nil {
		panic(err)
	}
}

// initConfig reads in config file and ENV variables if set.
func initConfig() {
	if cfgFile != "" {
		if _, err := os.Stat(cfgFile); err != nil {
			fmt.Fprintf(os.Stderr, "Config file not found: %s\n", cfgFile)
			os.Exit(1)
		}
		viper.SetConfigFile(cfgFile)
	} else {
		viper.AddConfigPath(".")
		viper.SetConfigName("gpner")
	}

	viper.SetConfigType("yaml")
	viper.SetEnvPrefix("GPNER")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		klog.Infof("using config file: %s", viper.ConfigFileUsed())
	} else if cfgFile != "" {
		fmt.Fprintf(os.Stderr, "Error reading config file [%s]: %v\n", viper.ConfigFileUsed(), err)
		os.Exit(1)
	}
}
