package app

// Command はアプリケーションの起動モードを表す。
type Command string

const (
	// CommandServe はAPIサーバーモードで起動することを示す。
	CommandServe Command = "serve"
	// CommandWorker はチェックアウト失効・クーポン無効化を定期実行するワーカーモードを示す。
	CommandWorker Command = "worker"
	// CommandCleanup はクリーンアップを1回だけ実行して終了することを示す。
	// cronなど外部スケジューラから起動する場合に使う。
	CommandCleanup Command = "cleanup"
	// CommandMigrate はデータベースマイグレーションを実行することを示す。
	CommandMigrate Command = "migrate"
	// CommandRollback は直近のマイグレーションを1つ戻すことを示す。
	CommandRollback Command = "rollback"
	// CommandHealthcheck はヘルスチェックを実行することを示す。
	// distroless環境でのDockerヘルスチェック用。
	CommandHealthcheck Command = "healthcheck"
)

// ParseCommand はコマンドライン引数からサブコマンドを解析する。
// 引数が空またはサポート外のコマンドの場合はCommandServeを返す。
func ParseCommand(args []string) Command {
	if len(args) == 0 {
		return CommandServe
	}

	switch Command(args[0]) {
	case CommandWorker, CommandServe, CommandCleanup, CommandMigrate, CommandRollback, CommandHealthcheck:
		return Command(args[0])
	default:
		return CommandServe
	}
}
