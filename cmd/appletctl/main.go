// Command appletctl 导航 hash 与事务管理器的命令行工具
package main

func main() {
	execute()
}
