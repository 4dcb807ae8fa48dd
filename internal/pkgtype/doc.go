// Package pkgtype 聚合各包类型的元数据合并规则，并提供统一的注册入口。
//
// 模块作者需要：
//  1. 在 internal/pkgtype/<key>/ 目录下实现 MergeRule（路径匹配 + 合并函数）；
//  2. 在 init() 中通过 MustRegister 注册 Module；
//  3. 合并函数只依赖输入字节，不依赖顺序以外的任何外部状态。
//
// 校验和等派生文件（.sha1/.md5/...）由本包统一处理：先去掉后缀得到规范文档路径，
// 再对合并后的规范文档计算摘要。
package pkgtype
