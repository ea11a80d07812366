package adapter

import (
	"fmt"

	"github.com/sirupsen/logrus"
)

// adapterRegistry は、サイト名とSiteAdapter実装のマッピングを保持します。
var adapterRegistry = map[string]func(origin string, logger logrus.FieldLogger) SiteAdapter{
	"komica": NewKomicaAdapter,
}

// GetAdapter は、指定されたサイト名に対応するSiteAdapterの新しいインスタンスを返します。
func GetAdapter(siteName, origin string, logger logrus.FieldLogger) (SiteAdapter, error) {
	factory, ok := adapterRegistry[siteName]
	if !ok {
		return nil, fmt.Errorf("サイト名 '%s' に対応するアダプタが見つかりません", siteName)
	}
	return factory(origin, logger), nil
}
