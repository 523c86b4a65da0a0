// keyimport 把钱包私钥/助记词加密写入 Badger，供 bot 进程使用
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/betbot/solbot/internal/domain"
	"github.com/betbot/solbot/internal/solana"
	"github.com/betbot/solbot/internal/wallet"
	"github.com/betbot/solbot/pkg/secretstore"
)

// offline 不访问链上，余额视为 0
type offline struct{}

func (offline) GetBalance(context.Context, string) (domain.Balance, error) {
	return domain.Balance{}, nil
}

func main() {
	_ = godotenv.Load()

	var (
		uidFlag   = flag.String("uid", "", "chat user id the wallet belongs to")
		dbPath    = flag.String("badger", getenv("SOLBOT_SECRET_DB", "data/secrets.badger"), "badger secrets db path")
		secretKey = flag.String("secret-key", getenv("SOLBOT_SECRET_KEY", ""), "badger encryption key (32 bytes base64/hex)")
		masterKey = flag.String("master-key", getenv("SOLBOT_MASTER_KEY", ""), "credential encryption key (32 bytes base64/hex)")
		rpcURL    = flag.String("rpc", getenv("SOLBOT_RPC_URL", ""), "verify the wallet against this RPC endpoint (optional)")
	)
	flag.Parse()

	uid, err := domain.ParseUserID(*uidFlag)
	if err != nil {
		fatal(err)
	}
	vault, err := wallet.NewVaultFromString(*masterKey)
	if err != nil {
		fatal(err)
	}
	keyBytes, err := secretstore.ParseKey(*secretKey)
	if err != nil {
		fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	var balances wallet.BalanceReader = offline{}
	if strings.TrimSpace(*rpcURL) != "" {
		c, err := solana.Dial(ctx, solana.Config{URL: *rpcURL, Timeout: 10 * time.Second})
		if err != nil {
			fatal(err)
		}
		defer c.Close()
		balances = c
	}

	ss, err := secretstore.Open(secretstore.OpenOptions{Path: *dbPath, EncryptionKey: keyBytes})
	if err != nil {
		fatal(err)
	}
	defer ss.Close()

	fmt.Fprintln(os.Stderr, "请输入助记词或私钥（base58 / hex / JSON 数组），输入完成后回车：")
	secret := strings.TrimSpace(readLine())
	if secret == "" {
		fatal(errors.New("secret is empty"))
	}

	store := wallet.NewStore(wallet.NewBadgerCredentialStore(ss), vault, balances, wallet.Options{})
	cred, bal, err := store.Connect(ctx, uid, secret)
	if err != nil {
		fatal(err)
	}
	fmt.Fprintf(os.Stderr, "已导入钱包 %s（user=%s，余额 %s SOL）到 %s\n", cred.Address(), uid, bal.SOL(), *dbPath)
}

func readLine() string {
	r := bufio.NewReader(os.Stdin)
	s, _ := r.ReadString('\n')
	return strings.TrimRight(s, "\r\n")
}

func getenv(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func fatal(err error) {
	fmt.Fprintln(os.Stderr, "error:", err.Error())
	os.Exit(1)
}
