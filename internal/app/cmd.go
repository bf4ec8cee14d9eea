package app

// Command はmentiondの起動モードを表す。
type Command string

const (
	// CommandServe はWebmention受信APIサーバーモードで起動することを示す。
	CommandServe Command = "serve"
	// CommandWorker は送信ワーカーモードで起動することを示す。
	CommandWorker Command = "worker"
	// CommandMigrate はデータベースマイグレーションを適用することを示す。
	CommandMigrate Command = "migrate"
	// CommandHealthcheck は稼働確認を行うことを示す。
	// distrolessイメージのDocker HEALTHCHECKから呼び出される。
	CommandHealthcheck Command = "healthcheck"
)

// ParseCommand はコマンドライン引数からサブコマンドを解析する。
// 引数が空またはサポート外のコマンドの場合はCommandServeを返す。
func ParseCommand(args []string) Command {
	if len(args) == 0 {
		return CommandServe
	}

	switch args[0] {
	case "worker":
		return CommandWorker
	case "serve":
		return CommandServe
	case "migrate":
		return CommandMigrate
	case "healthcheck":
		return CommandHealthcheck
	default:
		return CommandServe
	}
}
